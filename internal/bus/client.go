package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Values map[string]interface{}
}

// StreamInfo is the subset of XINFO STREAM the engine's health checks use.
type StreamInfo struct {
	Length       int64
	LastID       string
	Groups       int64
	FirstEntryID string
	MaxDeletedID string
}

// PendingInfo summarizes a consumer group's pending entry list.
type PendingInfo struct {
	Count     int64
	Lower     string
	Higher    string
	Consumers map[string]int64
}

// Client wraps a shared go-redis connection with the stream semantics the
// engine relies on: idempotent group creation, zero-value answers for
// missing streams, and blocking group reads.
type Client struct {
	rdb *redis.Client
}

// Connect parses a redis URL and verifies the connection with a ping.
func Connect(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Println("[Bus] Connected to Redis event bus")
	return &Client{rdb: rdb}, nil
}

// NewClientFromRedis wraps an existing redis client (used by tests and by the
// L2 price cache which shares the connection).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying connection for components that share it.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Append adds a single entry to a stream and returns the server-assigned id.
func (c *Client) Append(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// AppendBatch pipelines a batch of entries to a single stream in one round
// trip. Returns the id of the last appended entry.
func (c *Client) AppendBatch(ctx context.Context, stream string, batch []map[string]interface{}) (string, error) {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(batch))
	for i, values := range batch {
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return cmds[len(cmds)-1].Val(), nil
}

// CreateGroup creates a consumer group, creating the stream if needed.
// Idempotent: an already-existing group is success, and so is a missing
// stream (MKSTREAM creates it).
func (c *Client) CreateGroup(ctx context.Context, stream, group, startID string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Consume blocks until pending messages appear on the group or blockFor
// elapses. A timed-out read returns an empty batch, not an error.
func (c *Client) Consume(ctx context.Context, stream, group, consumer string, maxCount int64, blockFor time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    maxCount,
		Block:    blockFor,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, xs := range res {
		for _, m := range xs.Messages {
			out = append(out, Message{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Ack removes messages from the group's pending list. Acks are idempotent:
// acking an already-acked or unknown id is not an error.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return c.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Info returns stream metadata, or zero values when the stream does not
// exist yet. Consumers starting before producers must not crash on health
// queries.
func (c *Client) Info(ctx context.Context, stream string) (StreamInfo, error) {
	res, err := c.rdb.XInfoStream(ctx, stream).Result()
	if err != nil {
		if isMissingKey(err) {
			return StreamInfo{}, nil
		}
		return StreamInfo{}, err
	}
	return StreamInfo{
		Length:       res.Length,
		LastID:       res.LastGeneratedID,
		Groups:       res.Groups,
		FirstEntryID: res.FirstEntry.ID,
		MaxDeletedID: res.MaxDeletedEntryID,
	}, nil
}

// Pending returns the group's pending summary, or zero values when the
// stream or group does not exist.
func (c *Client) Pending(ctx context.Context, stream, group string) (PendingInfo, error) {
	res, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if isMissingKey(err) || isMissingGroup(err) {
			return PendingInfo{}, nil
		}
		return PendingInfo{}, err
	}
	return PendingInfo{
		Count:     res.Count,
		Lower:     res.Lower,
		Higher:    res.Higher,
		Consumers: res.Consumers,
	}, nil
}

func isMissingKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
