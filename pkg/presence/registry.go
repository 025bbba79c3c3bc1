package presence

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

const shardCount = 32

// Status is an online/offline edge for one user.
type Status struct {
	UserID int64
	Online bool
	At     time.Time
}

// Listener is notified of every edge, in order per user. It is called with
// the user's shard locked and must not block or call back into the registry.
type Listener interface {
	PresenceChanged(Status)
}

type ListenerFunc func(Status)

func (f ListenerFunc) PresenceChanged(s Status) { f(s) }

// Entry is the connection count of a user. Connections > 0 means online.
type Entry struct {
	UserID      int64
	Connections int
	ChangedAt   time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[int64]*Entry
}

// Registry counts live sessions per user. Counters are sharded by user id so
// unrelated users never contend on the same lock.
type Registry struct {
	shards    [shardCount]shard
	listeners []Listener
	log       *slog.Logger
	now       func() time.Time
}

func NewRegistry(log *slog.Logger, listeners ...Listener) *Registry {
	r := &Registry{listeners: listeners, log: log, now: time.Now}
	for i := range r.shards {
		r.shards[i].entries = make(map[int64]*Entry)
	}
	return r
}

func (r *Registry) shard(userID int64) *shard {
	return &r.shards[uint64(userID)%shardCount]
}

// Connect registers one more session for the user and returns the new count.
// The first session emits an online edge.
func (r *Registry) Connect(userID int64) int {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		e = &Entry{UserID: userID}
		s.entries[userID] = e
	}
	e.Connections++
	if e.Connections == 1 {
		e.ChangedAt = r.now()
		r.emit(Status{UserID: userID, Online: true, At: e.ChangedAt})
	}
	return e.Connections
}

// Disconnect releases one session of the user and returns the remaining
// count. The last session emits an offline edge and drops the entry.
// Releasing a user with no sessions is logged and ignored.
func (r *Registry) Disconnect(userID int64) int {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		r.log.Warn("Presence released for a user with no sessions", "user_id", userID)
		return 0
	}
	e.Connections--
	if e.Connections > 0 {
		return e.Connections
	}
	delete(s.entries, userID)
	r.emit(Status{UserID: userID, Online: false, At: r.now()})
	return 0
}

func (r *Registry) emit(status Status) {
	r.log.Debug("Presence changed", "user_id", status.UserID, "online", status.Online)
	for _, l := range r.listeners {
		l.PresenceChanged(status)
	}
}

// Count returns the number of live sessions of the user.
func (r *Registry) Count(userID int64) int {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return e.Connections
	}
	return 0
}

// Snapshot returns a copy of every online entry, ordered by user id.
func (r *Registry) Snapshot() []Entry {
	var entries []Entry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			entries = append(entries, *e)
		}
		s.mu.Unlock()
	}
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.UserID, b.UserID) })
	return entries
}

// Online returns the ids of every online user, sorted.
func (r *Registry) Online() []int64 {
	return lo.Map(r.Snapshot(), func(e Entry, _ int) int64 { return e.UserID })
}
