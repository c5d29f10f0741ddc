// Package orch is the server-side session orchestrator: it binds inbound
// protocol messages to registry operations and fans resulting events out to
// peers. Every inbound message for a UserID runs as one task on that user's
// ordered queue, so operations of the same user never interleave.
package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/app"
	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/media"
	"github.com/dkaryakin/confa/internal/metrics"
	"github.com/dkaryakin/confa/internal/protocol"
)

type Orchestrator struct {
	Registry *app.Registry
	Metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[domain.UserID]*Session
}

func New(registry *app.Registry, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		Registry: registry,
		Metrics:  m,
		sessions: make(map[domain.UserID]*Session),
	}
}

// HandleInbound wraps one inbound message as one task on the sender's
// queue. The session is created on the first message carrying the UserID.
func (o *Orchestrator) HandleInbound(ctx context.Context, conn SignalConn, msg protocol.Message) {
	if msg.UserID == "" {
		log.Warn().Str("module", "orch").Str("type", string(msg.Type)).Msg("message without userId dropped")
		return
	}
	s := o.EnsureSession(ctx, msg.UserID, conn)
	s.Queue.Enqueue(func() {
		o.handleMessage(ctx, s, msg)
	})
}

// HandleDisconnect runs session teardown for an abruptly closed socket. The
// same path serves an explicit LEAVE; cleanup happens either way.
func (o *Orchestrator) HandleDisconnect(userID domain.UserID) {
	s, ok := o.Session(userID)
	if !ok {
		return
	}
	// Teardown is ordered after everything the user already sent.
	if !s.Queue.Enqueue(func() { o.teardownSession(s) }) {
		return
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, s *Session, msg protocol.Message) {
	var err error
	switch msg.Type {
	case protocol.TypeJoin:
		err = o.handleJoin(s, msg)
	case protocol.TypeLeave:
		o.teardownSession(s)
	case protocol.TypeCreateTransport:
		err = o.handleCreateTransport(ctx, s, msg)
	case protocol.TypeConnectTransport:
		err = o.handleConnectTransport(ctx, s, msg)
	case protocol.TypeProduce:
		err = o.handleProduce(ctx, s, msg)
	case protocol.TypeConsume:
		err = o.handleConsume(ctx, s, msg)
	default:
		log.Warn().Str("module", "orch").Str("type", string(msg.Type)).Msg("unknown message type")
		return
	}
	if err != nil {
		o.sendError(s, err)
	}
}

func (o *Orchestrator) handleJoin(s *Session, msg protocol.Message) error {
	// A repeated JOIN from a live session is a no-op: no re-join, no
	// duplicate joined message.
	if o.Registry.HasParticipant(msg.RoomID, msg.UserID) {
		log.Info().Str("module", "orch").Str("user", string(msg.UserID)).Str("room", string(msg.RoomID)).Msg("duplicate join ignored")
		return nil
	}

	caps, err := o.Registry.Join(msg.RoomID, msg.UserID)
	if err != nil {
		return err
	}

	users := make([]protocol.RoomUser, 0)
	for _, p := range o.Registry.ParticipantsOfRoom(msg.RoomID) {
		users = append(users, protocol.RoomUser{ID: p.ID, Producers: p.Producers})
	}

	if o.Metrics != nil {
		o.Metrics.Rooms.Set(float64(o.Registry.RoomCount()))
	}

	return s.Conn.Send(protocol.Message{
		Type:            protocol.TypeJoined,
		RoomID:          msg.RoomID,
		UserID:          msg.UserID,
		RTPCapabilities: caps,
		Users:           users,
	})
}

func (o *Orchestrator) handleCreateTransport(ctx context.Context, s *Session, msg protocol.Message) error {
	info, err := o.Registry.CreateTransport(ctx, msg.RoomID, msg.UserID, msg.Direction)
	if err != nil {
		return err
	}
	return s.Conn.Send(protocol.Message{
		Type:      protocol.TypeTransportCreated,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Direction: msg.Direction,
		TransportOptions: &protocol.TransportOptions{
			ID:             info.ID,
			ICEParameters:  info.ICEParameters,
			ICECandidates:  info.ICECandidates,
			DTLSParameters: info.DTLSParameters,
		},
	})
}

func (o *Orchestrator) handleConnectTransport(ctx context.Context, s *Session, msg protocol.Message) error {
	transportID, err := o.Registry.ConnectTransport(ctx, msg.RoomID, msg.UserID, msg.Direction, msg.DTLSParameters)
	if err != nil {
		return err
	}
	return s.Conn.Send(protocol.Message{
		Type:        protocol.TypeTransportConnected,
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		Direction:   msg.Direction,
		TransportID: transportID,
	})
}

func (o *Orchestrator) handleProduce(ctx context.Context, s *Session, msg protocol.Message) error {
	producerID, err := o.Registry.Produce(ctx, msg.RoomID, msg.UserID, msg.Kind, msg.RTPParameters)
	if err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.Producers.Inc()
	}

	if err := s.Conn.Send(protocol.Message{
		Type:       protocol.TypeProduced,
		ProducerID: producerID,
	}); err != nil {
		return err
	}

	o.broadcast(msg.RoomID, msg.UserID, protocol.Message{
		Type:       protocol.TypeNewProducer,
		RoomID:     msg.RoomID,
		UserID:     msg.UserID,
		ProducerID: producerID,
	})
	return nil
}

func (o *Orchestrator) handleConsume(ctx context.Context, s *Session, msg protocol.Message) error {
	info, err := o.Registry.Consume(ctx, msg.RoomID, msg.UserID, msg.ProducerID, msg.RTPCapabilities)
	if err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.Consumers.Inc()
	}
	return s.Conn.Send(protocol.Message{
		Type: protocol.TypeConsumed,
		ConsumerOptions: &protocol.ConsumerOptions{
			ID:            info.ID,
			ProducerID:    info.ProducerID,
			Kind:          info.Kind,
			RTPParameters: info.RTPParameters,
		},
	})
}

// teardownSession removes the session, leaves every room the user belonged
// to and tells the remaining members. Runs inside the user's own queue; the
// queue is closed here and drains nothing further.
func (o *Orchestrator) teardownSession(s *Session) {
	if _, ok := o.removeSession(s.UserID); !ok {
		return
	}

	rooms := o.Registry.RoomsOfUser(s.UserID)
	for _, roomID := range rooms {
		if err := o.Registry.Leave(roomID, s.UserID); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("user", string(s.UserID)).Str("room", string(roomID)).Msg("leave on teardown")
		}
	}

	s.Queue.Close()
	s.Conn.Close()

	for _, roomID := range rooms {
		o.broadcast(roomID, s.UserID, protocol.Message{
			Type:   protocol.TypeUserLeft,
			RoomID: roomID,
			UserID: s.UserID,
		})
	}

	if o.Metrics != nil {
		o.Metrics.Rooms.Set(float64(o.Registry.RoomCount()))
	}
}

// broadcast sends msg to every participant of the room with a live session,
// except the originating user.
func (o *Orchestrator) broadcast(roomID domain.RoomID, from domain.UserID, msg protocol.Message) {
	for _, p := range o.Registry.ParticipantsOfRoom(roomID) {
		if p.ID == from {
			continue
		}
		peer, ok := o.Session(p.ID)
		if !ok {
			continue
		}
		if err := peer.Conn.Send(msg); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("user", string(p.ID)).Msg("broadcast send")
		}
	}
}

// sendError surfaces a failed task to the offending connection only; the
// queue stays free to process subsequent tasks.
func (o *Orchestrator) sendError(s *Session, err error) {
	if errors.Is(err, media.ErrWorkerDied) {
		// Fatal by design: no supervised restart inside the process.
		log.Fatal().Err(err).Str("module", "orch").Msg("media worker died")
	}
	if o.Metrics != nil {
		o.Metrics.Errors.Inc()
	}
	log.Warn().Err(err).Str("module", "orch").Str("user", string(s.UserID)).Msg("task failed")
	if sendErr := s.Conn.Send(protocol.Message{Type: protocol.TypeError, Message: err.Error()}); sendErr != nil {
		log.Error().Err(sendErr).Str("module", "orch").Str("user", string(s.UserID)).Msg("send error message")
	}
}
