// Package signal is the websocket adapter binding connected clients to the
// session orchestrator.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/app/orch"
	"github.com/dkaryakin/confa/internal/domain"
	"github.com/dkaryakin/confa/internal/protocol"
)

var ErrConnClosed = errors.New("connection closed")

const (
	sendBuffer        = 32
	writeDeadline     = 5 * time.Second
	defaultPingPeriod = 54 * time.Second
)

type Controller struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(o *orch.Orchestrator, readLimit int64, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &Controller{Orch: o, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// pongWait leaves one ping interval plus slack before a silent peer is
// considered gone.
func (ctl *Controller) pongWait() time.Duration {
	return ctl.PingPeriod * 10 / 9
}

// wsSignalConn owns one websocket. Outbound messages go through a buffered
// send channel drained by writePump; Send never blocks the caller.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *wsSignalConn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("backpressure")
	}
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and starts the read and write pumps.
// Sessions are keyed by the userId carried in messages, not by connection:
// the session appears with the first message and is torn down when the
// socket closes, whether or not a leave was sent.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan []byte, sendBuffer),
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Info().Err(err).Str("module", "adapters.signal").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsSignalConn) {
	var userID domain.UserID
	defer func() {
		c.Close()
		if userID != "" {
			ctl.Orch.HandleDisconnect(userID)
		}
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "adapters.signal").Str("user", string(userID)).Msg("readPump closing")
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.signal").Msg("bad json")
			continue
		}
		if userID == "" {
			userID = msg.UserID
		}
		ctl.Orch.HandleInbound(ctx, c, msg)
	}
}
