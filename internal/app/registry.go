package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/media"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrRoomNotFound        = errors.New("room not found")
	ErrBadDirection        = errors.New("invalid transport direction")
)

// Registry is the authoritative state for rooms and participants. Mutating
// entry points are expected to run inside the owning session's task queue;
// the RWMutex only guards the maps where tasks of different sessions touch
// the same room. No entry point may bypass the queue.
type Registry struct {
	engine media.Engine

	mu    sync.RWMutex
	rooms map[domain.RoomID]*domain.Room
}

func NewRegistry(engine media.Engine) *Registry {
	return &Registry{
		engine: engine,
		rooms:  make(map[domain.RoomID]*domain.Room),
	}
}

// Join creates the room and the participant if absent; both are idempotent
// on repeat. It returns the room's media capability descriptor.
func (r *Registry) Join(roomID domain.RoomID, userID domain.UserID) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = domain.NewRoom(roomID, r.engine.RouterCapabilities())
		r.rooms[roomID] = room
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created")
	}
	if _, ok := room.Participants[userID]; !ok {
		room.Participants[userID] = domain.NewParticipant(userID, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("user", string(userID)).Msg("participant joined")
	}
	return r.engine.RouterCapabilities(), nil
}

// Leave closes everything the participant owns, cascades closure to peers'
// consumers of the departing user's producers, and removes the participant.
// The room itself is removed once its last participant leaves.
func (r *Registry) Leave(roomID domain.RoomID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	p, ok := room.Participants[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, userID)
	}

	for _, c := range p.Consumers {
		r.engine.CloseConsumer(c.ID)
	}
	p.Consumers = nil

	for _, producerID := range p.Producers {
		r.engine.CloseProducer(producerID)
		for _, peer := range room.Participants {
			if peer.ID == userID {
				continue
			}
			peer.Consumers = closeConsumersOf(r.engine, peer.Consumers, producerID)
		}
	}
	p.Producers = nil

	if p.SendTransport != "" {
		r.engine.CloseTransport(p.SendTransport)
	}
	if p.RecvTransport != "" {
		r.engine.CloseTransport(p.RecvTransport)
	}

	delete(room.Participants, userID)
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("user", string(userID)).Msg("participant left")

	if len(room.Participants) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room removed")
	}
	return nil
}

// closeConsumersOf closes every consumer in refs bound to producerID and
// returns the remaining refs.
func closeConsumersOf(engine media.Engine, refs []domain.ConsumerRef, producerID domain.ProducerID) []domain.ConsumerRef {
	kept := refs[:0]
	for _, c := range refs {
		if c.ProducerID == producerID {
			engine.CloseConsumer(c.ID)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// CreateTransport creates an engine transport and assigns it to the
// participant's send or receive slot per requested direction.
func (r *Registry) CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, direction domain.Direction) (*media.TransportInfo, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadDirection, direction)
	}
	p, err := r.participant(roomID, userID)
	if err != nil {
		return nil, err
	}

	info, err := r.engine.CreateTransport(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	p.SetTransport(direction, info.ID)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(userID)).Str("direction", string(direction)).Str("transport", string(info.ID)).Msg("transport created")
	return info, nil
}

func (r *Registry) ConnectTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, direction domain.Direction, dtlsParameters json.RawMessage) (domain.TransportID, error) {
	p, err := r.participant(roomID, userID)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	transportID, ok := p.Transport(direction)
	r.mu.RUnlock()
	if !ok {
		return "", ErrTransportNotFound
	}

	if err := r.engine.ConnectTransport(ctx, transportID, dtlsParameters); err != nil {
		return "", err
	}
	log.Info().Str("module", "app.registry").Str("user", string(userID)).Str("transport", string(transportID)).Msg("transport connected")
	return transportID, nil
}

// Produce creates a producer on the participant's send transport.
func (r *Registry) Produce(ctx context.Context, roomID domain.RoomID, userID domain.UserID, kind string, rtpParameters json.RawMessage) (domain.ProducerID, error) {
	p, err := r.participant(roomID, userID)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	transportID := p.SendTransport
	r.mu.RUnlock()
	if transportID == "" {
		return "", ErrTransportNotFound
	}

	producerID, err := r.engine.CreateProducer(ctx, transportID, kind, rtpParameters)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	p.Producers = append(p.Producers, producerID)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(userID)).Str("producer", string(producerID)).Msg("producer created")
	return producerID, nil
}

// Consume creates a consumer on the participant's receive transport. A
// capability mismatch surfaces as media.ErrCannotConsume.
func (r *Registry) Consume(ctx context.Context, roomID domain.RoomID, userID domain.UserID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*media.ConsumerInfo, error) {
	p, err := r.participant(roomID, userID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	transportID := p.RecvTransport
	r.mu.RUnlock()
	if transportID == "" {
		return nil, ErrTransportNotFound
	}

	info, err := r.engine.CreateConsumer(ctx, transportID, producerID, rtpCapabilities)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	p.Consumers = append(p.Consumers, domain.ConsumerRef{ID: info.ID, ProducerID: info.ProducerID})
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(userID)).Str("consumer", string(info.ID)).Msg("consumer created")
	return info, nil
}

// ParticipantsOfRoom returns a snapshot of the room's members.
func (r *Registry) ParticipantsOfRoom(roomID domain.RoomID) []*domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*domain.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		out = append(out, p)
	}
	return out
}

// RoomsOfUser lists every room the user currently belongs to.
func (r *Registry) RoomsOfUser(userID domain.UserID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RoomID
	for id, room := range r.rooms {
		if _, ok := room.Participants[userID]; ok {
			out = append(out, id)
		}
	}
	return out
}

// HasParticipant reports whether the user is already in the room.
func (r *Registry) HasParticipant(roomID domain.RoomID, userID domain.UserID) bool {
	_, err := r.participant(roomID, userID)
	return err == nil
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) participant(roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, userID)
	}
	p, ok := room.Participants[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, userID)
	}
	return p, nil
}
