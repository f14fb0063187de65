package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kairon-os/kairon/internal/bus"
	"github.com/kairon-os/kairon/internal/ledger"
)

const (
	commitTimeout      = 10 * time.Second
	redeliveryBase     = time.Second
	maxRedeliveryDelay = time.Minute
)

// messageReader is the subset of *kafka.Reader used by KafkaSource.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads submission envelopes from a topic. Offsets are committed
// per partition in fetch order, and only up to the first message whose run
// has not settled. A run that ends in bus.ErrRedeliver is published again
// after a backoff; if the source stops first, the offset stays uncommitted
// and the group redelivers it.
type KafkaSource struct {
	reader    messageReader
	source    string
	topic     string
	offsets   *offsetTracker
	retryBase time.Duration
}

// NewKafkaSource creates a consumer-group reader for topic.
func NewKafkaSource(brokers, groupID, topic, source string) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(brokers),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaSource(reader, topic, source)
}

func newKafkaSource(reader messageReader, topic, source string) *KafkaSource {
	k := &KafkaSource{reader: reader, source: source, topic: topic, retryBase: redeliveryBase}
	k.offsets = newOffsetTracker(k.commit)
	return k
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Run publishes every decoded message until ctx is cancelled.
func (k *KafkaSource) Run(ctx context.Context, pub Publisher) error {
	slog.Info("Kafka ingress started", "topic", k.topic)
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Kafka ingress: fetch error", "topic", k.topic, "error", err)
			continue
		}
		tracked := k.offsets.track(msg)
		sub, err := DecodeEnvelope(msg.Value, k.source)
		if err != nil {
			slog.Warn("Kafka ingress: dropping invalid envelope", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			k.offsets.settle(tracked)
			continue
		}
		inbound := &bus.Inbound{Submission: sub, ReceivedAt: msg.Time}
		attempts := 0
		inbound.Ack = func(runErr error) {
			if errors.Is(runErr, bus.ErrRedeliver) {
				attempts++
				delay := k.redeliveryDelay(attempts)
				slog.Warn("Kafka ingress: run not settled, redelivering",
					"partition", msg.Partition, "offset", msg.Offset, "key", sub.IdempotencyKey,
					"attempt", attempts, "delay", delay, "error", runErr)
				go k.redeliver(ctx, pub, inbound, delay)
				return
			}
			if runErr != nil && !errors.Is(runErr, ledger.ErrValidation) {
				slog.Warn("Kafka ingress: run failed after recording its outcome", "offset", msg.Offset, "key", sub.IdempotencyKey, "error", runErr)
			}
			k.offsets.settle(tracked)
		}
		if err := pub.Publish(ctx, inbound); err != nil {
			return err
		}
	}
}

func (k *KafkaSource) redeliveryDelay(attempt int) time.Duration {
	d := k.retryBase
	for i := 1; i < attempt && d < maxRedeliveryDelay; i++ {
		d *= 2
	}
	return min(d, maxRedeliveryDelay)
}

func (k *KafkaSource) redeliver(ctx context.Context, pub Publisher, inbound *bus.Inbound, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		slog.Info("Kafka ingress: offset left uncommitted for redelivery", "key", inbound.Submission.IdempotencyKey)
		return
	case <-timer.C:
	}
	if err := pub.Publish(ctx, inbound); err != nil {
		slog.Info("Kafka ingress: offset left uncommitted for redelivery", "key", inbound.Submission.IdempotencyKey, "error", err)
	}
}

func (k *KafkaSource) commit(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	if err := k.reader.CommitMessages(ctx, msg); err != nil {
		slog.Warn("Kafka ingress: commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}

// Close stops the reader.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

// offsetTracker remembers fetched offsets per partition and commits the
// longest settled prefix of each.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[int][]*trackedOffset
	commit  func(kafka.Message)
}

type trackedOffset struct {
	msg     kafka.Message
	settled bool
}

func newOffsetTracker(commit func(kafka.Message)) *offsetTracker {
	return &offsetTracker{pending: make(map[int][]*trackedOffset), commit: commit}
}

func (t *offsetTracker) track(msg kafka.Message) *trackedOffset {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := &trackedOffset{msg: msg}
	t.pending[msg.Partition] = append(t.pending[msg.Partition], o)
	return o
}

// settle marks o done and commits up to the last settled offset that has no
// unsettled offset before it. Commits are serialized so a partition's
// committed offset only moves forward.
func (t *offsetTracker) settle(o *trackedOffset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o.settled = true
	queue := t.pending[o.msg.Partition]
	n := 0
	for n < len(queue) && queue[n].settled {
		n++
	}
	if n == 0 {
		return
	}
	last := queue[n-1].msg
	t.pending[o.msg.Partition] = queue[n:]
	t.commit(last)
}

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes submission envelopes to a topic, keyed by
// idempotency key so redeliveries land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a synchronous writer for topic.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Submit validates sub and writes it to the topic.
func (p *KafkaPublisher) Submit(ctx context.Context, sub ledger.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(Envelope{
		EventType:      sub.EventType,
		Source:         sub.Source,
		Payload:        sub.Payload,
		IdempotencyKey: sub.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(sub.EventType + "/" + sub.IdempotencyKey),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(sub.EventType)}},
		Time:    time.Now(),
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
