package broker

import (
	"context"
	"encoding/json"

	"github.com/redis/rueidis"
)

// InboundMessage is one decoded stream entry delivered to a consumer group.
type InboundMessage struct {
	StreamID string
	Message
}

// streamReader abstracts the consumer-group operations, letting tests use a
// fake in place of Redis.
type streamReader interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Fetch(ctx context.Context, stream, group, consumer string, count, blockMillis int64) ([]rueidis.XRangeEntry, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// GroupConsumer reads one stream through a consumer group. Delivery is
// at-least-once: an entry fetched but not acked is redelivered, so consumers
// must deduplicate by event identity.
type GroupConsumer struct {
	reader   streamReader
	stream   string
	group    string
	consumer string
}

// NewGroupConsumer creates a GroupConsumer for one stream and group.
func NewGroupConsumer(reader streamReader, stream, group, consumer string) *GroupConsumer {
	return &GroupConsumer{
		reader:   reader,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Init ensures the consumer group exists.
func (c *GroupConsumer) Init(ctx context.Context) error {
	return c.reader.EnsureGroup(ctx, c.stream, c.group)
}

// Fetch reads up to count new messages, blocking up to blockMillis.
func (c *GroupConsumer) Fetch(ctx context.Context, count, blockMillis int64) ([]InboundMessage, error) {
	entries, err := c.reader.Fetch(ctx, c.stream, c.group, c.consumer, count, blockMillis)
	if err != nil {
		return nil, err
	}

	messages := make([]InboundMessage, 0, len(entries))
	for _, entry := range entries {
		msg := InboundMessage{
			StreamID: entry.ID,
			Message: Message{
				Key:   entry.FieldValues["key"],
				Value: []byte(entry.FieldValues["value"]),
			},
		}

		if raw, ok := entry.FieldValues["headers"]; ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
				return nil, err
			}
		}

		messages = append(messages, msg)
	}

	return messages, nil
}

// Ack acknowledges one processed message.
func (c *GroupConsumer) Ack(ctx context.Context, streamID string) error {
	return c.reader.Ack(ctx, c.stream, c.group, streamID)
}
