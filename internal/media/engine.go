// Package media defines the narrow collaborator interface to the external
// media engine. The core never looks inside transports, producers or
// consumers; it only creates, connects and closes them by id.
package media

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkaryakin/confa/internal/domain"
)

var (
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	// ErrCannotConsume is reported when the requested capabilities cannot
	// consume the producer.
	ErrCannotConsume = errors.New("cannot consume this producer")
	// ErrWorkerDied is fatal: the process must be supervised and restarted.
	ErrWorkerDied = errors.New("media worker died")
)

// TransportInfo is what a client needs to set up its side of a transport.
type TransportInfo struct {
	ID             domain.TransportID
	ICEParameters  json.RawMessage
	ICECandidates  json.RawMessage
	DTLSParameters json.RawMessage
}

// ConsumerInfo describes a freshly created consumer.
type ConsumerInfo struct {
	ID            domain.ConsumerID
	ProducerID    domain.ProducerID
	Kind          string
	RTPParameters json.RawMessage
}

// Engine is the media relay collaborator. Implementations own every handle
// they hand out; the registry only references them weakly by id.
type Engine interface {
	// RouterCapabilities returns the router-level RTP capability descriptor
	// sent to joining clients.
	RouterCapabilities() json.RawMessage

	CreateTransport(ctx context.Context) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, id domain.TransportID, dtlsParameters json.RawMessage) error
	CloseTransport(id domain.TransportID)

	CreateProducer(ctx context.Context, transportID domain.TransportID, kind string, rtpParameters json.RawMessage) (domain.ProducerID, error)
	CloseProducer(id domain.ProducerID)

	CreateConsumer(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	CloseConsumer(id domain.ConsumerID)

	// OnWorkerDied registers the fatal-failure callback. The core treats it
	// as process-fatal; there is no supervised restart inside the engine.
	OnWorkerDied(func(error))
}
