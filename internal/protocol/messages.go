// Package protocol defines the wire messages exchanged between clients and
// the signaling server. Messages are flat JSON values: a type tag plus
// type-specific fields. The tag drives both dispatch and correlation.
package protocol

import (
	"encoding/json"

	"github.com/dkaryakin/confa/internal/domain"
)

type MessageType string

// Client to server.
const (
	TypeJoin             MessageType = "join"
	TypeLeave            MessageType = "leave"
	TypeCreateTransport  MessageType = "createTransport"
	TypeConnectTransport MessageType = "connectTransport"
	TypeProduce          MessageType = "produce"
	TypeConsume          MessageType = "consume"
)

// Server to client.
const (
	TypeJoined             MessageType = "joined"
	TypeUserLeft           MessageType = "user-left"
	TypeTransportCreated   MessageType = "transportCreated"
	TypeTransportConnected MessageType = "transportConnected"
	TypeProduced           MessageType = "produced"
	TypeNewProducer        MessageType = "newProducer"
	TypeConsumed           MessageType = "consumed"
	TypeError              MessageType = "error"
)

// RoomUser is one roster entry carried in a joined message.
type RoomUser struct {
	ID        domain.UserID       `json:"id"`
	Producers []domain.ProducerID `json:"producers"`
}

// TransportOptions carries everything a client needs to set up its side of
// an engine transport. Parameter blobs are opaque to the core.
type TransportOptions struct {
	ID             domain.TransportID `json:"id"`
	ICEParameters  json.RawMessage    `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage    `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters,omitempty"`
}

// ConsumerOptions describes a consumer created on the server.
type ConsumerOptions struct {
	ID            domain.ConsumerID `json:"id"`
	ProducerID    domain.ProducerID `json:"producerId"`
	Kind          string            `json:"kind"`
	RTPParameters json.RawMessage   `json:"rtpParameters,omitempty"`
}

// Message is the tagged union of every protocol message. Only the fields
// relevant to Type are populated; the rest are omitted on the wire.
type Message struct {
	Type   MessageType   `json:"type"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
	UserID domain.UserID `json:"userId,omitempty"`

	Direction       domain.Direction `json:"direction,omitempty"`
	DTLSParameters  json.RawMessage  `json:"dtlsParameters,omitempty"`
	Kind            string           `json:"kind,omitempty"`
	RTPParameters   json.RawMessage  `json:"rtpParameters,omitempty"`
	RTPCapabilities json.RawMessage  `json:"rtpCapabilities,omitempty"`

	ProducerID  domain.ProducerID  `json:"producerId,omitempty"`
	TransportID domain.TransportID `json:"transportId,omitempty"`

	Users            []RoomUser        `json:"users,omitempty"`
	TransportOptions *TransportOptions `json:"transportOptions,omitempty"`
	ConsumerOptions  *ConsumerOptions  `json:"consumerOptions,omitempty"`

	// Error text, only on TypeError.
	Message string `json:"message,omitempty"`
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
