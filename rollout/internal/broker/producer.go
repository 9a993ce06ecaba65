package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config contains the parameters for a topic producer.
type Config struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic every message is written to.
	Topic string

	// MaxAttempts defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 5s.
	WriteTimeout time.Duration
}

// Writer is the subset of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes keyed messages to a single topic, retrying transient failures
// with exponential backoff. Messages sharing a key land on the same partition,
// so per-application notifications stay ordered.
type Producer struct {
	writer       Writer
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	p := NewProducerWithWriter(w, cfg.Topic, cfg.MaxAttempts)
	p.writeTimeout = cfg.WriteTimeout
	return p, nil
}

// NewProducerWithWriter wraps an existing writer; tests pass a fake.
func NewProducerWithWriter(w Writer, topic string, maxAttempts int) *Producer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Producer{
		writer:       w,
		topic:        topic,
		maxAttempts:  maxAttempts,
		writeTimeout: 5 * time.Second,
		backoff:      100 * time.Millisecond,
	}
}

func (p *Producer) Topic() string { return p.topic }

// Produce writes one message and returns the time it was accepted.
func (p *Producer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return msg.Time, nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return time.Time{}, fmt.Errorf("produce to %s: %w", p.topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return time.Time{}, fmt.Errorf("produce to %s failed after %d attempts: %w", p.topic, p.maxAttempts, lastErr)
}

// ProduceJSON marshals v and produces it under key.
func (p *Producer) ProduceJSON(ctx context.Context, key string, v interface{}) (time.Time, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal json: %w", err)
	}
	return p.Produce(ctx, []byte(key), b)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
