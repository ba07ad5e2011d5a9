package mesh

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"resqmesh/models"
)

// Transport is the peer discovery and connection substrate.
//
// Calls may block on network I/O. Asynchronous notifications arrive on Events in the order the
// transport produced them for each endpoint.
type Transport interface {
	StartDiscovering(ctx context.Context) error
	StopDiscovering() error
	StartAdvertising(ctx context.Context) error
	StopAdvertising() error
	RequestConnection(ctx context.Context, endpointID string) error
	AcceptConnection(ctx context.Context, endpointID string) error
	RejectConnection(ctx context.Context, endpointID string) error
	Disconnect(endpointID string) error
	Send(ctx context.Context, endpointID string, payload []byte) error
	Events() <-chan Event
}

// LocationProvider supplies location samples.
type LocationProvider interface {
	Sample(ctx context.Context) (models.Fix, error)
}

// Uploader delivers one message to the remote ingestion endpoint. A nil error is success.
type Uploader interface {
	Upload(ctx context.Context, message Message) error
}

// Journal durably mirrors the message log.
type Journal interface {
	SaveMessage(message Message) error
	MarkUploaded(originID, key string) error
	ListMessages() ([]Message, error)
}

// LocationFunc adapts a function to LocationProvider.
type LocationFunc func(ctx context.Context) (models.Fix, error)

// Sample calls f.
func (f LocationFunc) Sample(ctx context.Context) (models.Fix, error) {
	return f(ctx)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, message Message) error

// Upload calls f.
func (f UploaderFunc) Upload(ctx context.Context, message Message) error {
	return f(ctx, message)
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
