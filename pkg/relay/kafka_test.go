package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	err     error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, msgs)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []kafka.Message
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func TestKafka_ForwardWritesEnvelopes(t *testing.T) {
	req := require.New(t)
	w := &fakeWriter{}
	k := newKafka(w, 3, 16, logs.GetLoggerFromLevel(slog.LevelDebug))

	// Given frames forwarded before the writer runs
	k.Forward("room:1", []byte(`{"message":"hi","username":"alice","user_id":1}`))
	k.Forward("presence", []byte(`{"type":"user_status","user_id":1,"status":true}`))

	// When Run drains the queue
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()
	req.Eventually(func() bool { return len(w.written()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// Then each record is keyed by topic and carries the frame untouched
	msgs := w.written()
	req.Equal("room:1", string(msgs[0].Key))
	env, err := Decode(msgs[0].Value)
	req.NoError(err)
	req.Equal("room:1", env.Topic)
	req.Equal(int64(3), env.Node)
	req.JSONEq(`{"message":"hi","username":"alice","user_id":1}`, string(env.Payload))

	env2, err := Decode(msgs[1].Value)
	req.NoError(err)
	req.Equal("presence", env2.Topic)
	req.NotEqual(env.EventID, env2.EventID)
}

func TestKafka_ForwardDropsWhenFull(t *testing.T) {
	req := require.New(t)
	w := &fakeWriter{}
	k := newKafka(w, 1, 1, logs.GetLoggerFromLevel(slog.LevelDebug))

	// When more frames are forwarded than the queue holds, Forward does not block
	k.Forward("room:1", []byte(`{}`))
	k.Forward("room:1", []byte(`{}`))
	k.Forward("room:1", []byte(`{}`))

	req.Len(k.queue, 1)
}

func TestKafka_FlushOnShutdown(t *testing.T) {
	req := require.New(t)
	w := &fakeWriter{}
	k := newKafka(w, 1, 8, logs.GetLoggerFromLevel(slog.LevelDebug))
	for i := 0; i < 5; i++ {
		k.Forward("room:1", []byte(`{}`))
	}

	// When Run starts with an already cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k.Run(ctx)

	// Then queued frames are still written
	req.Len(w.written(), 5)
}

func TestKafka_WriteErrorIsLogged(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	k := newKafka(w, 1, 8, logs.GetLoggerFromLevel(slog.LevelDebug))
	k.Forward("room:1", []byte(`{}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k.Run(ctx)
	require.Empty(t, w.written())
}

func TestDecode_Invalid(t *testing.T) {
	req := require.New(t)
	_, err := Decode([]byte("not json"))
	req.Error(err)
	_, err = Decode([]byte(`{"topic":"room:1"}`))
	req.Error(err)
}
