package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// DefaultStreamPrefix namespaces relay streams in Redis.
const DefaultStreamPrefix = "assess:topic:"

// StreamRelay mirrors local bus topics onto Redis Streams and republishes
// messages other processes wrote, so several orchestrator instances can share
// an event feed.
type StreamRelay struct {
	rdb    *redis.Client
	bus    *Bus
	prefix string
	origin string
	logger *zap.Logger

	mu       sync.Mutex
	mirrored map[string]bool
	inbound  map[string]struct{} // ids republished from Redis, not to be mirrored back
}

// NewStreamRelay connects to Redis and binds the relay to b.
func NewStreamRelay(redisURL, prefix string, b *Bus, logger *zap.Logger) (*StreamRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &StreamRelay{
		rdb:      rdb,
		bus:      b,
		prefix:   prefix,
		origin:   uuid.New().String(),
		logger:   logger,
		mirrored: make(map[string]bool),
		inbound:  make(map[string]struct{}),
	}, nil
}

// Origin identifies this relay's writes in the stream.
func (r *StreamRelay) Origin() string { return r.origin }

// Mirror subscribes to topic on the local bus and appends every message to
// the topic's stream.
func (r *StreamRelay) Mirror(topic string) error {
	r.mu.Lock()
	r.mirrored[topic] = true
	r.mu.Unlock()
	return r.bus.Subscribe(topic, "relay:"+r.origin, func(ctx context.Context, msg protocol.Message) error {
		r.mu.Lock()
		_, echoed := r.inbound[msg.MessageID]
		delete(r.inbound, msg.MessageID)
		r.mu.Unlock()
		if echoed {
			return nil
		}
		return r.append(ctx, topic, msg)
	})
}

func (r *StreamRelay) append(ctx context.Context, topic string, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	stream := r.prefix + topic
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":   string(data),
			"origin": r.origin,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	r.logger.Debug("mirrored message",
		zap.String("stream", stream),
		zap.String("message_id", msg.MessageID))
	return nil
}

// Consume reads new entries of topic's stream and republishes those written
// by other relays on the local bus. It blocks until ctx is cancelled.
func (r *StreamRelay) Consume(ctx context.Context, topic string) error {
	stream := r.prefix + topic
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   10,
			Block:   time.Second * 2,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				r.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
				time.Sleep(200 * time.Millisecond)
			}
			continue
		}

		for _, res := range results {
			for _, entry := range res.Messages {
				lastID = entry.ID
				if origin, _ := entry.Values["origin"].(string); origin == r.origin {
					continue
				}
				data, ok := entry.Values["data"].(string)
				if !ok {
					continue
				}
				var msg protocol.Message
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					r.logger.Warn("dropping undecodable stream entry",
						zap.String("stream", stream), zap.String("entry", entry.ID), zap.Error(err))
					continue
				}
				r.mu.Lock()
				if r.mirrored[topic] {
					r.inbound[msg.MessageID] = struct{}{}
				}
				r.mu.Unlock()
				if err := r.bus.Publish(topic, msg); err != nil {
					r.mu.Lock()
					delete(r.inbound, msg.MessageID)
					r.mu.Unlock()
					r.logger.Warn("republish failed", zap.String("topic", topic), zap.Error(err))
				}
			}
		}
	}
}

// Close shuts down the Redis connection.
func (r *StreamRelay) Close() error {
	return r.rdb.Close()
}
