package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Store is the persistence port for transcripts.
type Store interface {
	AppendTranscript(ctx context.Context, line Line) error
	AppendEvent(ctx context.Context, ev Event) error
	FinalizeSession(ctx context.Context, f Final) error
}

// StoreSink writes records to the application database.
type StoreSink struct {
	store Store
}

func NewStoreSink(store Store) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case KindLine:
		return s.store.AppendTranscript(ctx, *rec.Line)
	case KindEvent:
		return s.store.AppendEvent(ctx, *rec.Event)
	case KindFinal:
		return s.store.FinalizeSession(ctx, *rec.Final)
	}
	return fmt.Errorf("unknown record kind %q", rec.Kind)
}

func (s *StoreSink) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// KafkaSink publishes every record as JSON keyed by session ID, so one call's records
// stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.SessionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

// MemorySink keeps records in memory, for tests and local runs.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Close() error { return nil }

func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Finals returns only the closing records.
func (m *MemorySink) Finals() []Final {
	var out []Final
	for _, r := range m.Records() {
		if r.Kind == KindFinal {
			out = append(out, *r.Final)
		}
	}
	return out
}
