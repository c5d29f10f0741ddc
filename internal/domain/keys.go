// Package domain contains entity without logic, just meta-data
package domain

type (
	RoomID      string
	UserID      string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// Direction tells which way a transport carries media.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}
