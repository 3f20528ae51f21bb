// Package redis persists the connection event stream to a capped Redis
// stream for external consumers and post-incident review.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/gatekeeper/internal/core/domain"
)

// streamKey is the Redis stream holding journaled connection events.
const streamKey = "gatekeeper:events"

// Config holds Redis connection configuration.
type Config struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	MaxEvents int64         `yaml:"max_events"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Journal appends connection events to a capped Redis stream. Writes are
// best effort: a journaling failure never disturbs the connection.
type Journal struct {
	rdb     *redis.Client
	log     *slog.Logger
	maxLen  int64
	timeout time.Duration
}

// NewJournal connects to Redis and verifies the connection.
func NewJournal(cfg Config) (*Journal, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Journal{
		rdb:     rdb,
		log:     slog.Default(),
		maxLen:  cfg.MaxEvents,
		timeout: cfg.Timeout,
	}, nil
}

// Close closes the Redis connection.
func (j *Journal) Close() error {
	return j.rdb.Close()
}

// Append writes one event to the stream, trimming to the configured cap.
func (j *Journal) Append(ctx context.Context, ev domain.ConnectionEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	err = j.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: j.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":        ev.ID,
			"type":      string(ev.Type),
			"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"data":      string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Listener adapts the journal to the orchestrator's event listener shape.
// Errors are swallowed here after logging so the bus never sees them twice.
func (j *Journal) Listener() func(domain.ConnectionEvent) error {
	return func(ev domain.ConnectionEvent) error {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if err := j.Append(ctx, ev); err != nil {
			j.log.Warn("Event journaling failed", "type", string(ev.Type), "error", err)
		}
		return nil
	}
}

// Recent returns up to count most recent journaled events, newest first.
func (j *Journal) Recent(ctx context.Context, count int64) ([]domain.ConnectionEvent, error) {
	msgs, err := j.rdb.XRevRangeN(ctx, streamKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}

	events := make([]domain.ConnectionEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev := domain.ConnectionEvent{}
		if id, ok := msg.Values["id"].(string); ok {
			ev.ID = id
		}
		if typ, ok := msg.Values["type"].(string); ok {
			ev.Type = domain.EventType(typ)
		}
		if ts, ok := msg.Values["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				ev.Timestamp = t
			}
		}
		if raw, ok := msg.Values["data"].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &ev.Data); err != nil {
				j.log.Warn("Skipping malformed journal payload", "id", msg.ID, "error", err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
