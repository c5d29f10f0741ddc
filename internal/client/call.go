// Package client drives the client side of a call: the join sequence runs
// as a single ordered task stream, and asynchronous peer events enqueue
// further tasks onto the same queue instead of executing inline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/protocol"
	"github.com/dkaryakin/confa/internal/taskq"
)

var (
	ErrDeviceNotCreated        = errors.New("device not created")
	ErrSendTransportNotCreated = errors.New("send transport not created")
	ErrRecvTransportNotCreated = errors.New("receive transport not created")
)

// Video producer bitrate layers.
const (
	BitrateLow    = 150_000
	BitrateMedium = 500_000
	BitrateHigh   = 1_200_000

	videoGoogleStartBitrate = 1_000
)

// Call stages, entered strictly in order by the queued join tasks.
const (
	StageIdle               = "idle"
	StageAwaitingOpen       = "awaiting_open"
	StageJoinSent           = "join_sent"
	StageCapabilitiesLoaded = "capabilities_loaded"
	StageSendTransportReady = "send_transport_ready"
	StageRecvTransportReady = "recv_transport_ready"
	StageProducing          = "producing"
	StageSteady             = "steady"
)

// Signaling is the correlation channel surface the call needs; satisfied by
// *signaling.Channel, scripted by tests.
type Signaling interface {
	WaitForOpen(ctx context.Context) error
	Send(protocol.Message) error
	On(t protocol.MessageType, fn func(protocol.Message)) func()
}

// Peer is another participant of the call as seen from this client.
type Peer struct {
	ID          domain.UserID
	RoomID      domain.RoomID
	ProducerIDs []domain.ProducerID
}

type transportHandle struct {
	ID        domain.TransportID
	Direction domain.Direction
}

// Call is the client-side call orchestrator. All state below is mutated
// only from tasks on the single ordered queue; there is no extra locking
// over it.
type Call struct {
	signaling Signaling
	device    CaptureDevice

	queue   *taskq.Queue
	machine *fsm.FSM
	runOnce sync.Once

	userID domain.UserID
	roomID domain.RoomID

	capabilities  json.RawMessage
	deviceLoaded  bool
	sendTransport *transportHandle
	recvTransport *transportHandle

	producers []domain.ProducerID
	consumers []domain.ConsumerRef

	peers map[domain.UserID]*Peer

	joined    chan protocol.Message
	offJoined func()

	failed bool

	onConnected func()
	onError     func(error)
	onNewTrack  func(Peer, MediaTrack)
	onUserLeft  func(Peer)
}

func NewCall(s Signaling, device CaptureDevice) *Call {
	return &Call{
		signaling: s,
		device:    device,
		queue:     taskq.New(),
		machine:   newStageMachine(),
		peers:     make(map[domain.UserID]*Peer),
	}
}

func newStageMachine() *fsm.FSM {
	return fsm.NewFSM(
		StageIdle,
		fsm.Events{
			{Name: "open", Src: []string{StageIdle}, Dst: StageAwaitingOpen},
			{Name: "join", Src: []string{StageAwaitingOpen}, Dst: StageJoinSent},
			{Name: "load", Src: []string{StageJoinSent}, Dst: StageCapabilitiesLoaded},
			{Name: "send_ready", Src: []string{StageCapabilitiesLoaded}, Dst: StageSendTransportReady},
			{Name: "recv_ready", Src: []string{StageSendTransportReady}, Dst: StageRecvTransportReady},
			{Name: "produce", Src: []string{StageRecvTransportReady}, Dst: StageProducing},
			{Name: "steady", Src: []string{StageProducing}, Dst: StageSteady},
		},
		fsm.Callbacks{},
	)
}

// Stage reports the current call stage.
func (c *Call) Stage() string { return c.machine.Current() }

// OnConnected registers the callback fired once the join sequence reached
// steady state.
func (c *Call) OnConnected(fn func()) { c.onConnected = fn }

// OnError registers the callback for failed stages and tasks.
func (c *Call) OnError(fn func(error)) { c.onError = fn }

// OnNewTrack registers the callback pairing a peer with a received track.
func (c *Call) OnNewTrack(fn func(Peer, MediaTrack)) { c.onNewTrack = fn }

// OnUserLeft registers the departure callback.
func (c *Call) OnUserLeft(fn func(Peer)) { c.onUserLeft = fn }

// JoinCall enqueues the whole join sequence and returns immediately. A
// second call while a join is underway or done is a no-op.
func (c *Call) JoinCall(ctx context.Context, roomID domain.RoomID, userID domain.UserID) {
	if c.userID != "" {
		return
	}
	c.roomID = roomID
	c.userID = userID

	c.runOnce.Do(func() { go c.queue.Run(ctx) })

	c.signaling.On(protocol.TypeNewProducer, func(m protocol.Message) { c.onNewProducer(ctx, m) })
	c.signaling.On(protocol.TypeUserLeft, func(m protocol.Message) { c.onPeerLeft(m) })

	c.stage(ctx, "open", func() error {
		return c.signaling.WaitForOpen(ctx)
	})
	c.stage(ctx, "join", func() error {
		// Subscribe before sending so a fast response cannot slip past
		// the next stage's wait.
		c.joined = make(chan protocol.Message, 1)
		c.offJoined = c.signaling.On(protocol.TypeJoined, func(m protocol.Message) {
			select {
			case c.joined <- m:
			default:
			}
		})
		return c.signaling.Send(protocol.Message{Type: protocol.TypeJoin, RoomID: roomID, UserID: userID})
	})
	c.stage(ctx, "load", func() error {
		return c.loadCapabilities(ctx)
	})
	c.stage(ctx, "send_ready", func() error {
		t, err := c.setupTransport(ctx, domain.DirectionSend)
		if err != nil {
			return err
		}
		c.sendTransport = t
		return nil
	})
	c.stage(ctx, "recv_ready", func() error {
		t, err := c.setupTransport(ctx, domain.DirectionRecv)
		if err != nil {
			return err
		}
		c.recvTransport = t
		return nil
	})
	c.stage(ctx, "produce", func() error {
		if err := c.produceVideo(ctx); err != nil {
			return err
		}
		return c.produceAudio(ctx)
	})
	c.stage(ctx, "steady", func() error {
		c.consumeKnownPeers(ctx)
		if c.onConnected != nil {
			c.onConnected()
		}
		return nil
	})
}

// stage enqueues one join step; the fsm transition certifies ordering. A
// failed stage marks the call failed and later stages are skipped.
func (c *Call) stage(ctx context.Context, event string, fn func() error) {
	c.queue.Enqueue(func() {
		if c.failed {
			return
		}
		if err := fn(); err != nil {
			c.fail(err)
			return
		}
		if err := c.machine.Event(ctx, event); err != nil {
			c.fail(fmt.Errorf("stage %s: %w", event, err))
		}
	})
}

func (c *Call) fail(err error) {
	c.failed = true
	log.Error().Err(err).Str("module", "client").Str("user", string(c.userID)).Msg("call failed")
	if c.onError != nil {
		c.onError(err)
	}
}

// request registers a one-shot waiter for the response type, then sends.
// Correlation stays by type alone; registering first just closes the window
// where a response could arrive before anyone listens for it.
func (c *Call) request(ctx context.Context, msg protocol.Message, t protocol.MessageType) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	off := c.signaling.On(t, func(m protocol.Message) {
		select {
		case ch <- m:
		default:
		}
	})
	defer off()

	if err := c.signaling.Send(msg); err != nil {
		return protocol.Message{}, err
	}
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Call) loadCapabilities(ctx context.Context) error {
	var msg protocol.Message
	select {
	case msg = <-c.joined:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.offJoined()
	c.capabilities = msg.RTPCapabilities
	c.deviceLoaded = true
	for _, u := range msg.Users {
		if u.ID == c.userID {
			continue
		}
		c.peers[u.ID] = &Peer{ID: u.ID, RoomID: msg.RoomID, ProducerIDs: u.Producers}
	}
	log.Info().Str("module", "client").Str("room", string(msg.RoomID)).Int("peers", len(c.peers)).Msg("capabilities loaded")
	return nil
}

// setupTransport creates and connects one direction's transport. The
// transportCreated options carry the engine's parameters; they are echoed
// back opaquely as our side's answer.
func (c *Call) setupTransport(ctx context.Context, direction domain.Direction) (*transportHandle, error) {
	if !c.deviceLoaded {
		return nil, ErrDeviceNotCreated
	}
	created, err := c.request(ctx, protocol.Message{
		Type:      protocol.TypeCreateTransport,
		RoomID:    c.roomID,
		UserID:    c.userID,
		Direction: direction,
	}, protocol.TypeTransportCreated)
	if err != nil {
		return nil, err
	}
	if created.TransportOptions == nil {
		return nil, fmt.Errorf("transportCreated without options")
	}

	if _, err := c.request(ctx, protocol.Message{
		Type:           protocol.TypeConnectTransport,
		RoomID:         c.roomID,
		UserID:         c.userID,
		Direction:      direction,
		DTLSParameters: created.TransportOptions.DTLSParameters,
	}, protocol.TypeTransportConnected); err != nil {
		return nil, err
	}
	return &transportHandle{ID: created.TransportOptions.ID, Direction: direction}, nil
}

func (c *Call) produceVideo(ctx context.Context) error {
	params, _ := json.Marshal(map[string]any{
		"encodings": []map[string]int{
			{"maxBitrate": BitrateLow},
			{"maxBitrate": BitrateMedium},
			{"maxBitrate": BitrateHigh},
		},
		"codecOptions": map[string]int{"videoGoogleStartBitrate": videoGoogleStartBitrate},
	})
	return c.produce(ctx, MediaOptions{Video: true}, params)
}

func (c *Call) produceAudio(ctx context.Context) error {
	return c.produce(ctx, MediaOptions{Audio: true}, nil)
}

func (c *Call) produce(ctx context.Context, opts MediaOptions, rtpParameters json.RawMessage) error {
	if !c.deviceLoaded {
		return ErrDeviceNotCreated
	}
	if c.sendTransport == nil {
		return ErrSendTransportNotCreated
	}
	tracks, err := c.device.GetTracks(ctx, opts)
	if err != nil {
		return err
	}
	for _, track := range tracks {
		produced, err := c.request(ctx, protocol.Message{
			Type:          protocol.TypeProduce,
			RoomID:        c.roomID,
			UserID:        c.userID,
			Kind:          track.Kind,
			RTPParameters: rtpParameters,
		}, protocol.TypeProduced)
		if err != nil {
			return err
		}
		c.producers = append(c.producers, produced.ProducerID)
		log.Info().Str("module", "client").Str("kind", track.Kind).Str("producer", string(produced.ProducerID)).Msg("producing")
	}
	return nil
}

func (c *Call) consumeKnownPeers(ctx context.Context) {
	for _, peer := range c.peers {
		for _, producerID := range peer.ProducerIDs {
			producerID, userID := producerID, peer.ID
			c.queue.Enqueue(func() {
				if err := c.consume(ctx, producerID, userID); err != nil {
					c.fail(err)
				}
			})
		}
	}
}

// consume subscribes to one producer and emits the new-track event pairing
// the peer with the received track handle.
func (c *Call) consume(ctx context.Context, producerID domain.ProducerID, userID domain.UserID) error {
	if !c.deviceLoaded {
		return ErrDeviceNotCreated
	}
	if c.recvTransport == nil {
		return ErrRecvTransportNotCreated
	}
	consumed, err := c.request(ctx, protocol.Message{
		Type:            protocol.TypeConsume,
		RoomID:          c.roomID,
		UserID:          c.userID,
		ProducerID:      producerID,
		RTPCapabilities: c.capabilities,
	}, protocol.TypeConsumed)
	if err != nil {
		return err
	}
	if consumed.ConsumerOptions == nil {
		return fmt.Errorf("consumed without options")
	}

	c.consumers = append(c.consumers, domain.ConsumerRef{
		ID:         consumed.ConsumerOptions.ID,
		ProducerID: consumed.ConsumerOptions.ProducerID,
	})

	if peer, ok := c.peers[userID]; ok && c.onNewTrack != nil {
		c.onNewTrack(*peer, MediaTrack{
			ID:   string(consumed.ConsumerOptions.ID),
			Kind: consumed.ConsumerOptions.Kind,
		})
	}
	return nil
}

// onNewProducer reacts to the asynchronous peer-produce notification by
// enqueuing a consume task. A producer id already known for that peer must
// not trigger a second consume.
func (c *Call) onNewProducer(ctx context.Context, m protocol.Message) {
	if m.RoomID != c.roomID || m.UserID == c.userID {
		return
	}
	c.queue.Enqueue(func() {
		peer, ok := c.peers[m.UserID]
		if !ok {
			peer = &Peer{ID: m.UserID, RoomID: m.RoomID}
			c.peers[m.UserID] = peer
		}
		for _, known := range peer.ProducerIDs {
			if known == m.ProducerID {
				return
			}
		}
		peer.ProducerIDs = append(peer.ProducerIDs, m.ProducerID)
		if err := c.consume(ctx, m.ProducerID, m.UserID); err != nil {
			c.fail(err)
		}
	})
}

// onPeerLeft removes the participant locally, closes every consumer bound
// to its producers and emits the departure notification.
func (c *Call) onPeerLeft(m protocol.Message) {
	if m.RoomID != c.roomID {
		return
	}
	c.queue.Enqueue(func() {
		peer, ok := c.peers[m.UserID]
		if !ok {
			return
		}
		delete(c.peers, m.UserID)

		kept := c.consumers[:0]
		for _, ref := range c.consumers {
			if containsProducer(peer.ProducerIDs, ref.ProducerID) {
				continue // closed with the departing peer
			}
			kept = append(kept, ref)
		}
		c.consumers = kept

		log.Info().Str("module", "client").Str("user", string(m.UserID)).Msg("peer left")
		if c.onUserLeft != nil {
			c.onUserLeft(*peer)
		}
	})
}

func containsProducer(ids []domain.ProducerID, id domain.ProducerID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// LeaveCall sends LEAVE and clears all local call state as one queued task.
func (c *Call) LeaveCall() {
	c.queue.Enqueue(func() {
		if err := c.signaling.Send(protocol.Message{
			Type:   protocol.TypeLeave,
			RoomID: c.roomID,
			UserID: c.userID,
		}); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("send leave")
		}

		c.consumers = nil
		c.producers = nil
		c.sendTransport = nil
		c.recvTransport = nil
		c.peers = make(map[domain.UserID]*Peer)
		log.Info().Str("module", "client").Str("user", string(c.userID)).Msg("left call")
	})
}

// Peers returns a snapshot of the known participants.
func (c *Call) Peers() []Peer {
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	return out
}
