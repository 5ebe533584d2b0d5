package broker

import (
	"context"
	"encoding/json"
)

// StreamPublisher publishes messages to one Redis stream via XADD. The entry
// carries the partition key, the serialized value, and the headers as a JSON
// field so consumers decode them without positional knowledge.
type StreamPublisher struct {
	client streamAppender
	stream string
}

// streamAppender abstracts the single XADD call so unit tests don't need a
// running Redis.
type streamAppender interface {
	Append(ctx context.Context, stream string, fields map[string]string) error
}

// NewStreamPublisher creates a StreamPublisher bound to a stream.
func NewStreamPublisher(client streamAppender, stream string) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
	}
}

// Publish appends the message to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, msg Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return err
	}

	fields := map[string]string{
		"key":     msg.Key,
		"value":   string(msg.Value),
		"headers": string(headers),
	}

	return p.client.Append(ctx, p.stream, fields)
}
