//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mock_backend_test.go -package=store
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mahaj/roomcast/pkg/model"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var errDuplicateID = errors.New("message id already taken")

// Backend is the durable, ordered log underneath the Store. Put must be
// durable when it returns nil.
type Backend interface {
	LastMessage(ctx context.Context, roomID int64) (model.Message, bool, error)
	Put(ctx context.Context, msg model.Message) error
	Range(ctx context.Context, roomID int64, q Query) ([]model.Message, error)
	Close() error
}

// RoomChecker validates room identity before anything is written.
type RoomChecker interface {
	RoomExists(ctx context.Context, roomID int64) (bool, error)
}

// Query selects a page of a room's history.
//
// Forward returns ids greater than After, oldest first; After == 0 pages from
// the start of the room. A positive After implies Forward.
// Before > 0 returns ids lower than Before, newest first.
// Otherwise the latest Limit messages are returned, oldest first.
type Query struct {
	Forward bool
	After   int64
	Before  int64
	Limit   int
}

func (q Query) normalize() Query {
	if q.After > 0 {
		q.Forward = true
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	return q
}

type cursor struct {
	mu     sync.Mutex
	loaded bool
	lastID int64
	lastAt time.Time
}

// Store assigns message ids and timestamps and appends to the backend under
// a per-room lock, so id order, commit order and publish order agree.
type Store struct {
	backend Backend
	rooms   RoomChecker
	log     *slog.Logger
	maxBody int
	now     func() time.Time

	mu      sync.Mutex
	cursors map[int64]*cursor
}

func New(backend Backend, rooms RoomChecker, log *slog.Logger, maxBody int) *Store {
	return &Store{
		backend: backend,
		rooms:   rooms,
		log:     log,
		maxBody: maxBody,
		now:     time.Now,
		cursors: make(map[int64]*cursor),
	}
}

func (s *Store) cursor(roomID int64) *cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[roomID]
	if !ok {
		c = &cursor{}
		s.cursors[roomID] = c
	}
	return c
}

func (s *Store) validate(body string) error {
	if strings.TrimSpace(body) == "" {
		return model.ErrEmptyBody
	}
	if n := utf8.RuneCountInString(body); n > s.maxBody {
		return fmt.Errorf("%w: %d characters, limit is %d", model.ErrBodyTooLong, n, s.maxBody)
	}
	return nil
}

func (s *Store) checkRoom(ctx context.Context, roomID int64) error {
	if s.rooms == nil {
		return nil
	}
	ok, err := s.rooms.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: checking room %d: %v", model.ErrStoreUnavailable, roomID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrRoomNotFound, roomID)
	}
	return nil
}

// Append validates and durably appends a message. onCommit, when not nil,
// runs after the write succeeded and before the room lock is released; it
// must not block. On any error nothing is committed and onCommit is not
// called.
func (s *Store) Append(ctx context.Context, roomID int64, sender model.User, body string, onCommit func(model.Message)) (model.Message, error) {
	if err := s.validate(body); err != nil {
		return model.Message{}, err
	}
	if err := s.checkRoom(ctx, roomID); err != nil {
		return model.Message{}, err
	}

	c := s.cursor(roomID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		last, found, err := s.backend.LastMessage(ctx, roomID)
		if err != nil {
			return model.Message{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		if found {
			c.lastID, c.lastAt = last.ID, last.CreatedAt
		}
		c.loaded = true
	}

	at := s.now().UTC().Truncate(time.Millisecond)
	if at.Before(c.lastAt) {
		at = c.lastAt
	}
	msg := model.Message{
		ID:         c.lastID + 1,
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderName: sender.Username,
		Body:       body,
		CreatedAt:  at,
	}
	if err := s.backend.Put(ctx, msg); err != nil {
		// The write may have landed anyway (timeouts), reload the tail next time.
		c.loaded = false
		s.log.Error("Failed to save message", "room_id", roomID, "id", msg.ID, "error", err)
		return model.Message{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	c.lastID, c.lastAt = msg.ID, at
	s.log.Debug("Message saved", "room_id", roomID, "id", msg.ID)

	if onCommit != nil {
		onCommit(msg)
	}
	return msg, nil
}

// History reads a page of persisted messages. It is the backfill path and
// never touches live fan-out.
func (s *Store) History(ctx context.Context, roomID int64, q Query) ([]model.Message, error) {
	if err := s.checkRoom(ctx, roomID); err != nil {
		return nil, err
	}
	q = q.normalize()
	if q.Before == 1 || (q.Forward && q.After == math.MaxInt64) {
		return nil, nil
	}
	messages, err := s.backend.Range(ctx, roomID, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return messages, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
