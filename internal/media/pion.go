package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkaryakin/confa/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RouterCapabilities descriptor shape, kept minimal: the core only ever
// matches codec kinds, everything else is opaque to it.
type routerCapabilities struct {
	Codecs []routerCodec `json:"codecs"`
}

type routerCodec struct {
	Kind      string `json:"kind"`
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

func defaultCapabilities() json.RawMessage {
	caps := routerCapabilities{Codecs: []routerCodec{
		{Kind: "audio", MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}}
	b, _ := json.Marshal(caps)
	return b
}

// DefaultWebRTCConfig is the engine-side peer connection configuration.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type pionTransport struct {
	id domain.TransportID
	pc *webrtc.PeerConnection
}

type pionProducer struct {
	id          domain.ProducerID
	transportID domain.TransportID
	kind        string

	mu   sync.RWMutex
	subs map[domain.ConsumerID]*webrtc.TrackLocalStaticRTP
}

type pionConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
}

// PionEngine is the default Engine on pion/webrtc: one peer connection per
// transport, producers bound to inbound remote tracks, consumers fed by a
// per-producer RTP forwarding loop.
type PionEngine struct {
	cfg  webrtc.Configuration
	caps json.RawMessage

	mu         sync.Mutex
	transports map[domain.TransportID]*pionTransport
	producers  map[domain.ProducerID]*pionProducer
	consumers  map[domain.ConsumerID]*pionConsumer

	onDied func(error)
}

func NewPionEngine(cfg webrtc.Configuration) *PionEngine {
	return &PionEngine{
		cfg:        cfg,
		caps:       defaultCapabilities(),
		transports: make(map[domain.TransportID]*pionTransport),
		producers:  make(map[domain.ProducerID]*pionProducer),
		consumers:  make(map[domain.ConsumerID]*pionConsumer),
	}
}

func (e *PionEngine) RouterCapabilities() json.RawMessage { return e.caps }

func (e *PionEngine) OnWorkerDied(fn func(error)) { e.onDied = fn }

func (e *PionEngine) CreateTransport(ctx context.Context) (*TransportInfo, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &pionTransport{id: domain.TransportID(uuid.NewString()), pc: pc}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.bindRemoteTrack(t.id, track)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	local, _ := json.Marshal(pc.LocalDescription())

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	log.Info().Str("module", "media.pion").Str("transport", string(t.id)).Msg("transport created")
	return &TransportInfo{ID: t.id, DTLSParameters: local}, nil
}

// ConnectTransport applies the client's answer, carried opaquely in the
// dtlsParameters blob.
func (e *PionEngine) ConnectTransport(_ context.Context, id domain.TransportID, dtlsParameters json.RawMessage) error {
	t, ok := e.transport(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportNotFound, id)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(dtlsParameters, &desc); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Info().Str("module", "media.pion").Str("transport", string(id)).Msg("transport connected")
	return nil
}

func (e *PionEngine) CloseTransport(id domain.TransportID) {
	e.mu.Lock()
	t, ok := e.transports[id]
	delete(e.transports, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media.pion").Str("transport", string(id)).Msg("close transport")
	}
}

func (e *PionEngine) CreateProducer(_ context.Context, transportID domain.TransportID, kind string, _ json.RawMessage) (domain.ProducerID, error) {
	if _, ok := e.transport(transportID); !ok {
		return "", fmt.Errorf("%w: %s", ErrTransportNotFound, transportID)
	}
	p := &pionProducer{
		id:          domain.ProducerID(uuid.NewString()),
		transportID: transportID,
		kind:        kind,
		subs:        make(map[domain.ConsumerID]*webrtc.TrackLocalStaticRTP),
	}
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()
	log.Info().Str("module", "media.pion").Str("producer", string(p.id)).Str("kind", kind).Msg("producer created")
	return p.id, nil
}

func (e *PionEngine) CloseProducer(id domain.ProducerID) {
	e.mu.Lock()
	delete(e.producers, id)
	e.mu.Unlock()
}

func (e *PionEngine) CreateConsumer(_ context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	t, ok := e.transport(transportID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransportNotFound, transportID)
	}

	e.mu.Lock()
	p, ok := e.producers[producerID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProducerNotFound, producerID)
	}

	if !canConsume(p.kind, rtpCapabilities) {
		return nil, ErrCannotConsume
	}

	mime := webrtc.MimeTypeOpus
	if p.kind == "video" {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime},
		string(producerID), string(transportID),
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &pionConsumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producerID,
		track:      local,
		sender:     sender,
	}

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	p.mu.Lock()
	p.subs[c.id] = local
	p.mu.Unlock()

	log.Info().Str("module", "media.pion").Str("consumer", string(c.id)).Str("producer", string(producerID)).Msg("consumer created")
	return &ConsumerInfo{ID: c.id, ProducerID: producerID, Kind: p.kind}, nil
}

func (e *PionEngine) CloseConsumer(id domain.ConsumerID) {
	e.mu.Lock()
	c, ok := e.consumers[id]
	delete(e.consumers, id)
	var p *pionProducer
	if ok {
		p = e.producers[c.producerID]
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if p != nil {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
	if c.sender != nil {
		_ = c.sender.Stop()
	}
}

func (e *PionEngine) transport(id domain.TransportID) (*pionTransport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	return t, ok
}

// bindRemoteTrack matches an inbound remote track to the first unbound
// producer of the same kind on that transport and starts forwarding.
func (e *PionEngine) bindRemoteTrack(transportID domain.TransportID, track *webrtc.TrackRemote) {
	kind := track.Kind().String()

	e.mu.Lock()
	var p *pionProducer
	for _, cand := range e.producers {
		if cand.transportID == transportID && cand.kind == kind {
			p = cand
			break
		}
	}
	e.mu.Unlock()
	if p == nil {
		log.Warn().Str("module", "media.pion").Str("transport", string(transportID)).Str("kind", kind).Msg("remote track without producer")
		return
	}

	go p.forward(track)
}

// forward reads RTP packets from the source track and writes them to every
// subscribed consumer track, dropping subscribers whose writes fail.
func (p *pionProducer) forward(src *webrtc.TrackRemote) {
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			log.Error().Err(err).Str("module", "media.pion").Str("producer", string(p.id)).Msg("forward read RTP, stopping")
			return
		}
		p.fanOut(pkt)
	}
}

func (p *pionProducer) fanOut(pkt *rtp.Packet) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, track := range p.subs {
		if err := track.WriteRTP(pkt); err != nil {
			log.Error().Err(err).Str("module", "media.pion").Str("consumer", string(id)).Msg("forward write RTP")
		}
	}
}

// canConsume checks that the requested capabilities name the producer's
// codec kind. The descriptor is otherwise opaque.
func canConsume(kind string, rtpCapabilities json.RawMessage) bool {
	var caps routerCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
