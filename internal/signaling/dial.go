package signaling

import (
	"context"

	"github.com/gorilla/websocket"
)

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// Dial returns a channel whose socket is a websocket connection to url.
func Dial(url string) *Channel {
	return NewChannel(func(ctx context.Context) (Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{ws: ws}, nil
	})
}
