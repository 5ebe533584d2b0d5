package broker

import (
	"context"
	"strings"

	"github.com/redis/rueidis"
)

// RedisStreams adapts a rueidis client to the stream operations the publisher
// and consumer need.
type RedisStreams struct {
	client rueidis.Client
}

// NewRedisStreams creates a RedisStreams adapter over an established client.
func NewRedisStreams(client rueidis.Client) *RedisStreams {
	return &RedisStreams{client: client}
}

// Append adds one entry to a stream with an auto-generated ID.
func (r *RedisStreams) Append(ctx context.Context, stream string, fields map[string]string) error {
	cmd := r.client.B().Xadd().Key(stream).Id("*").FieldValue()
	for field, value := range fields {
		cmd = cmd.FieldValue(field, value)
	}
	return r.client.Do(ctx, cmd.Build()).Error()
}

// EnsureGroup creates the consumer group at the stream tail if it does not
// exist yet, creating the stream as needed.
func (r *RedisStreams) EnsureGroup(ctx context.Context, stream, group string) error {
	cmd := r.client.B().XgroupCreate().Key(stream).Group(group).Id("$").Mkstream().Build()
	err := r.client.Do(ctx, cmd).Error()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Fetch reads up to count new entries for the consumer, blocking up to
// blockMillis when the stream is empty.
func (r *RedisStreams) Fetch(
	ctx context.Context,
	stream, group, consumer string,
	count int64,
	blockMillis int64,
) ([]rueidis.XRangeEntry, error) {
	cmd := r.client.B().Xreadgroup().Group(group, consumer).
		Count(count).Block(blockMillis).Streams().Key(stream).Id(">").Build()

	result, err := r.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}

	return result[stream], nil
}

// Ack acknowledges one processed entry for the group.
func (r *RedisStreams) Ack(ctx context.Context, stream, group, id string) error {
	cmd := r.client.B().Xack().Key(stream).Group(group).Id(id).Build()
	return r.client.Do(ctx, cmd).Error()
}

// Lag returns the number of entries not yet delivered to the group, used for
// the consumer-lag gauge. Falls back to zero when the group is unknown.
func (r *RedisStreams) Lag(ctx context.Context, stream, group string) (int64, error) {
	cmd := r.client.B().XinfoGroups().Key(stream).Build()
	groups, err := r.client.Do(ctx, cmd).ToArray()
	if err != nil {
		return 0, err
	}

	for _, entry := range groups {
		info, err := entry.AsMap()
		if err != nil {
			continue
		}
		name, ok := info["name"]
		if !ok {
			continue
		}
		if nameStr, _ := name.ToString(); nameStr != group {
			continue
		}
		lag, ok := info["lag"]
		if !ok {
			return 0, nil
		}
		value, err := lag.AsInt64()
		if err != nil {
			return 0, nil
		}
		return value, nil
	}

	return 0, nil
}
