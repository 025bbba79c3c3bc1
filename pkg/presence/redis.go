package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlineKey is the Redis set of online user ids.
	OnlineKey = "presence:online"
	// Channel receives one JSON event per edge.
	Channel = "presence"
)

type redisEvent struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
	At     int64 `json:"at"`
}

// RedisMirror copies presence edges into Redis so other services can read
// who is online. Writes happen on their own goroutine; when the queue is
// full the edge is dropped and logged, the in-process registry stays the
// source of truth.
type RedisMirror struct {
	redis *redis.Client
	queue chan Status
	log   *slog.Logger
}

func NewRedisMirror(rdb *redis.Client, buffer int, log *slog.Logger) *RedisMirror {
	return &RedisMirror{redis: rdb, queue: make(chan Status, buffer), log: log}
}

func (m *RedisMirror) PresenceChanged(s Status) {
	select {
	case m.queue <- s:
	default:
		m.log.Warn("Presence mirror queue full, dropping edge", "user_id", s.UserID, "online", s.Online)
	}
}

// Reset clears the online set. Called at startup since the registry begins
// empty.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.redis.Del(ctx, OnlineKey).Err()
}

// Run applies queued edges until ctx is done, then applies what is left.
func (m *RedisMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case s := <-m.queue:
			m.apply(ctx, s)
		}
	}
}

func (m *RedisMirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case s := <-m.queue:
			m.apply(ctx, s)
		default:
			return
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, s Status) {
	member := strconv.FormatInt(s.UserID, 10)
	payload, _ := json.Marshal(redisEvent{UserID: s.UserID, Online: s.Online, At: s.At.UnixMilli()})

	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.Online {
			pipe.SAdd(ctx, OnlineKey, member)
		} else {
			pipe.SRem(ctx, OnlineKey, member)
		}
		pipe.Publish(ctx, Channel, payload)
		return nil
	})
	if err != nil {
		m.log.Error("Failed to mirror presence", "user_id", s.UserID, "error", err)
	}
}
