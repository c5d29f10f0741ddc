package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/protocol"
	"github.com/dkaryakin/confa/internal/taskq"
)

// SignalConn is the outbound side of a connected client. Owned by the
// adapter; the adapter must Close() the underlying socket.
type SignalConn interface {
	Send(protocol.Message) error
	Close()
}

// Session binds a connected user to its connection handle and its ordered
// task queue. At most one Session per UserID; the queue lives exactly as
// long as the session.
type Session struct {
	UserID domain.UserID
	Conn   SignalConn
	Queue  *taskq.Queue
}

// EnsureSession returns the live session for userID, creating one bound to
// conn if absent. A second connection for a live UserID does not replace
// the first: the existing session is kept as is.
func (o *Orchestrator) EnsureSession(ctx context.Context, userID domain.UserID, conn SignalConn) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[userID]; ok {
		return s
	}
	s := &Session{UserID: userID, Conn: conn, Queue: taskq.New()}
	o.sessions[userID] = s
	go s.Queue.Run(ctx)
	if o.Metrics != nil {
		o.Metrics.Sessions.Inc()
	}
	log.Info().Str("module", "orch").Str("user", string(userID)).Msg("session created")
	return s
}

// Session returns the live session for userID, if any.
func (o *Orchestrator) Session(userID domain.UserID) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[userID]
	return s, ok
}

func (o *Orchestrator) removeSession(userID domain.UserID) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[userID]
	if !ok {
		return nil, false
	}
	delete(o.sessions, userID)
	if o.Metrics != nil {
		o.Metrics.Sessions.Dec()
	}
	log.Info().Str("module", "orch").Str("user", string(userID)).Msg("session removed")
	return s, true
}

// SessionCount reports the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}
