package broker

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/mahaj/roomcast/pkg/model"
)

// PresenceTopic carries user_status frames for every user.
const PresenceTopic = "presence"

func RoomTopic(roomID int64) string {
	return "room:" + strconv.FormatInt(roomID, 10)
}

// Subscriber is one outbound queue, usually a session.
type Subscriber interface {
	// Enqueue must not block. It reports false only when the queue is full.
	Enqueue(frame []byte) bool
	// Kick is called once the broker has dropped a subscriber whose queue
	// overflowed. It must not block.
	Kick(reason error)
}

// Backbone receives a copy of every published frame, for export to an
// external pub/sub system.
type Backbone interface {
	Forward(topic string, frame []byte)
}

type topic struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// Broker fans frames out to the subscribers of a topic. Publishing to a topic
// is serialized by that topic's lock, so every subscriber sees the same
// order. Membership changes additionally hold the broker lock, which keeps
// the topic map and the per-subscriber index consistent.
type Broker struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	members  map[Subscriber]map[string]struct{}
	backbone Backbone
	log      *slog.Logger
}

func New(log *slog.Logger) *Broker {
	return &Broker{
		topics:  make(map[string]*topic),
		members: make(map[Subscriber]map[string]struct{}),
		log:     log,
	}
}

// WithBackbone sets the export collaborator. It must be called before the
// broker is used.
func (b *Broker) WithBackbone(backbone Backbone) *Broker {
	b.backbone = backbone
	return b
}

func (b *Broker) Subscribe(sub Subscriber, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(sub, name)
}

func (b *Broker) Unsubscribe(sub Subscriber, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub, name)
}

// Swap moves sub from one topic to another. The old subscription is removed
// before the new one is added, so sub never receives from both.
func (b *Broker) Swap(sub Subscriber, from, to string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub, from)
	b.add(sub, to)
}

// UnsubscribeAll removes sub from every topic. It is a no-op for unknown
// subscribers.
func (b *Broker) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name := range b.members[sub] {
		b.remove(sub, name)
	}
}

// Publish delivers frame to every current subscriber of the topic and
// returns how many accepted it. It never fails and never waits on a slow
// subscriber: one whose queue is full is dropped from all topics and kicked.
func (b *Broker) Publish(name string, frame []byte) int {
	if b.backbone != nil {
		b.backbone.Forward(name, frame)
	}

	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}

	var dropped []Subscriber
	t.mu.Lock()
	for sub := range t.subs {
		if !sub.Enqueue(frame) {
			delete(t.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	delivered := len(t.subs)
	t.mu.Unlock()

	for _, sub := range dropped {
		b.UnsubscribeAll(sub)
		b.log.Warn("Dropping slow subscriber", "topic", name)
		sub.Kick(model.ErrSlowConsumer)
	}
	return delivered
}

// SubscriberCount returns the number of subscribers of a topic.
func (b *Broker) SubscriberCount(name string) int {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics returns the topics sub is subscribed to.
func (b *Broker) Topics(sub Subscriber) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.members[sub]))
	for name := range b.members[sub] {
		names = append(names, name)
	}
	return names
}

// add and remove require b.mu to be held for writing.

func (b *Broker) add(sub Subscriber, name string) {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[Subscriber]struct{})}
		b.topics[name] = t
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	if b.members[sub] == nil {
		b.members[sub] = make(map[string]struct{})
	}
	b.members[sub][name] = struct{}{}
}

func (b *Broker) remove(sub Subscriber, name string) {
	if t, ok := b.topics[name]; ok {
		t.mu.Lock()
		delete(t.subs, sub)
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(b.topics, name)
		}
	}

	if names, ok := b.members[sub]; ok {
		delete(names, name)
		if len(names) == 0 {
			delete(b.members, sub)
		}
	}
}
