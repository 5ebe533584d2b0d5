// Package broker provides the message broker client used to deliver outbox
// events, backed by Redis Streams. The client is constructor-injected with an
// explicit connect/close lifecycle; nothing in this package keeps hidden
// cross-run state.
package broker

import (
	"context"

	"github.com/redis/rueidis"
)

// Message is one broker message: key for partition assignment, an opaque
// value, and string headers.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher publishes messages to a single stream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Config holds broker connection configuration.
type Config struct {
	Addr string
}

// Connect establishes a Redis connection for the broker. The caller owns the
// returned client and must Close it during shutdown.
func Connect(cfg Config) (rueidis.Client, error) {
	return rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.Addr},
	})
}
