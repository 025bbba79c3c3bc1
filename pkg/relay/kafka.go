package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const maxBatch = 100

// Envelope wraps every exported frame. Payload is the frame exactly as it
// was sent to local subscribers.
type Envelope struct {
	EventID uuid.UUID       `json:"event_id"`
	Node    int64           `json:"node"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka exports published frames to a Kafka topic. Forward never blocks the
// broker: frames are queued and written in batches by Run, and dropped with a
// warning when the queue is full. Messages are keyed by broker topic so one
// room always lands on one partition, in publish order.
type Kafka struct {
	writer writer
	queue  chan kafka.Message
	node   int64
	log    *slog.Logger
	now    func() time.Time
}

func NewKafka(brokers []string, topic string, node int64, buffer int, log *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafka(w, node, buffer, log)
}

func newKafka(w writer, node int64, buffer int, log *slog.Logger) *Kafka {
	return &Kafka{writer: w, queue: make(chan kafka.Message, buffer), node: node, log: log, now: time.Now}
}

func (k *Kafka) Forward(topic string, frame []byte) {
	env := Envelope{
		EventID: uuid.New(),
		Node:    k.node,
		Topic:   topic,
		Payload: frame,
		At:      k.now().UTC(),
	}
	value, err := json.Marshal(env)
	if err != nil {
		k.log.Error("Failed to marshal relay envelope", "topic", topic, "error", err)
		return
	}
	select {
	case k.queue <- kafka.Message{Key: []byte(topic), Value: value, Time: env.At}:
	default:
		k.log.Warn("Relay queue full, dropping frame", "topic", topic)
	}
}

// Run writes queued frames until ctx is done, then flushes what is left.
func (k *Kafka) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			k.flush()
			return
		case msg := <-k.queue:
			k.write(ctx, k.batch(msg))
		}
	}
}

func (k *Kafka) batch(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < maxBatch {
		select {
		case msg := <-k.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (k *Kafka) write(ctx context.Context, batch []kafka.Message) {
	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		k.log.Error("Failed to write message to Kafka", "count", len(batch), "error", err)
		return
	}
	k.log.Debug("Message published to Kafka", "count", len(batch))
}

func (k *Kafka) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-k.queue:
			k.write(ctx, k.batch(msg))
		default:
			return
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Reader consumes envelopes exported by any node.
type Reader struct {
	reader *kafka.Reader
	log    *slog.Logger
}

func NewReader(brokers []string, topic, groupID string, log *slog.Logger) *Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Reader{reader: r, log: log}
}

// Consume calls handle for every envelope until ctx is done. Undecodable
// records are logged and skipped.
func (r *Reader) Consume(ctx context.Context, handle func(Envelope)) error {
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading relay topic: %w", err)
		}
		env, err := Decode(m.Value)
		if err != nil {
			r.log.Warn("Skipping undecodable relay record", "offset", m.Offset, "error", err)
			continue
		}
		handle(env)
	}
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func Decode(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, err
	}
	if env.EventID == uuid.Nil || env.Topic == "" {
		return Envelope{}, fmt.Errorf("envelope is missing event_id or topic")
	}
	return env, nil
}
