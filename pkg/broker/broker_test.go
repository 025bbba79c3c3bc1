package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	queue  chan []byte
	mu     sync.Mutex
	kicked []error
}

func newSubscriber(size int) *fakeSubscriber {
	return &fakeSubscriber{queue: make(chan []byte, size)}
}

func (f *fakeSubscriber) Enqueue(frame []byte) bool {
	select {
	case f.queue <- frame:
		return true
	default:
		return false
	}
}

func (f *fakeSubscriber) Kick(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, reason)
}

func (f *fakeSubscriber) drain() []string {
	var frames []string
	for {
		select {
		case frame := <-f.queue:
			frames = append(frames, string(frame))
		default:
			return frames
		}
	}
}

type recordingBackbone struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingBackbone) Forward(topic string, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func newBroker() *Broker {
	return New(logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestBroker_Publish_OnlyToTopicSubscribers(t *testing.T) {
	req := require.New(t)
	b := newBroker()
	general, random := newSubscriber(8), newSubscriber(8)

	// Given one subscriber per room
	b.Subscribe(general, RoomTopic(1))
	b.Subscribe(random, RoomTopic(2))

	// When a frame is published to room 1
	delivered := b.Publish(RoomTopic(1), []byte("hi"))

	// Then only room 1 receives it
	req.Equal(1, delivered)
	req.Equal([]string{"hi"}, general.drain())
	req.Empty(random.drain())

	// And publishing to a topic nobody listens to is a no-op
	req.Zero(b.Publish(RoomTopic(3), []byte("nobody")))
}

func TestBroker_Publish_SameOrderForAllSubscribers(t *testing.T) {
	req := require.New(t)
	b := newBroker()
	subs := []*fakeSubscriber{newSubscriber(1000), newSubscriber(1000), newSubscriber(1000)}
	for _, s := range subs {
		b.Subscribe(s, RoomTopic(1))
	}

	// When four publishers race on the same room
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(RoomTopic(1), []byte(fmt.Sprintf("%d-%d", p, i)))
			}
		}()
	}
	wg.Wait()

	// Then every subscriber observed the same sequence
	first := subs[0].drain()
	req.Len(first, 800)
	for _, s := range subs[1:] {
		req.Equal(first, s.drain())
	}
}

func TestBroker_Publish_KicksSlowSubscriber(t *testing.T) {
	req := require.New(t)
	b := newBroker()
	slow, healthy := newSubscriber(1), newSubscriber(8)
	b.Subscribe(slow, RoomTopic(1))
	b.Subscribe(slow, PresenceTopic)
	b.Subscribe(healthy, RoomTopic(1))

	// When more frames are published than the slow queue holds
	b.Publish(RoomTopic(1), []byte("one"))
	delivered := b.Publish(RoomTopic(1), []byte("two"))

	// Then the slow subscriber is kicked and removed from every topic
	req.Equal(1, delivered)
	req.Equal([]error{model.ErrSlowConsumer}, slow.kicked)
	req.Empty(b.Topics(slow))
	req.Zero(b.SubscriberCount(PresenceTopic))

	// And the healthy subscriber is unaffected
	req.Equal([]string{"one", "two"}, healthy.drain())
	b.Publish(RoomTopic(1), []byte("three"))
	req.Equal([]string{"three"}, healthy.drain())
	req.Len(slow.kicked, 1)
}

func TestBroker_Swap(t *testing.T) {
	req := require.New(t)
	b := newBroker()
	sub := newSubscriber(8)
	b.Subscribe(sub, RoomTopic(1))

	// When the subscriber swaps rooms
	b.Swap(sub, RoomTopic(1), RoomTopic(2))

	// Then it only receives from the new room
	b.Publish(RoomTopic(1), []byte("old"))
	b.Publish(RoomTopic(2), []byte("new"))
	req.Equal([]string{"new"}, sub.drain())
	req.Equal([]string{RoomTopic(2)}, b.Topics(sub))
	req.Zero(b.SubscriberCount(RoomTopic(1)))
}

func TestBroker_Unsubscribe_Idempotent(t *testing.T) {
	req := require.New(t)
	b := newBroker()
	sub := newSubscriber(8)

	// Unknown subscribers are a no-op
	b.Unsubscribe(sub, RoomTopic(1))
	b.UnsubscribeAll(sub)

	b.Subscribe(sub, RoomTopic(1))
	b.Subscribe(sub, PresenceTopic)
	b.UnsubscribeAll(sub)
	b.UnsubscribeAll(sub)

	req.Empty(b.Topics(sub))
	req.Zero(b.SubscriberCount(RoomTopic(1)))
	req.Zero(b.Publish(PresenceTopic, []byte("x")))
}

func TestBroker_Backbone(t *testing.T) {
	req := require.New(t)
	backbone := &recordingBackbone{}
	b := newBroker().WithBackbone(backbone)

	// Frames are exported even without local subscribers
	b.Publish(RoomTopic(1), []byte("hi"))
	b.Publish(PresenceTopic, []byte("status"))

	req.Equal([]string{"room:1", "presence"}, backbone.topics)
}

func TestBroker_ConcurrentMembershipChanges(t *testing.T) {
	req := require.New(t)
	b := newBroker()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(RoomTopic(1), []byte("tick"))
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := newSubscriber(1024)
			b.Subscribe(sub, RoomTopic(1))
			time.Sleep(time.Millisecond)
			b.Swap(sub, RoomTopic(1), RoomTopic(2))
			b.UnsubscribeAll(sub)
		}()
	}
	wg.Wait()
	close(stop)

	req.Zero(b.SubscriberCount(RoomTopic(1)))
	req.Zero(b.SubscriberCount(RoomTopic(2)))
}
