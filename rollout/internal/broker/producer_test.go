package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorymonster/platform/rollout/internal/broker"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("leader not available")
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestProduceRetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := broker.NewProducerWithWriter(w, "strategy-updates", 3)

	_, err := p.ProduceJSON(context.Background(), "com.google.Chrome", map[string]int{"version": 4})
	require.NoError(t, err)
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.written, 1)
	assert.Equal(t, "com.google.Chrome", string(w.written[0].Key))

	var body map[string]int
	require.NoError(t, json.Unmarshal(w.written[0].Value, &body))
	assert.Equal(t, 4, body["version"])
}

func TestProduceGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := broker.NewProducerWithWriter(w, "strategy-updates", 2)

	_, err := p.Produce(context.Background(), nil, []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

func TestNewProducerValidatesConfig(t *testing.T) {
	_, err := broker.NewProducer(broker.Config{Topic: "x"})
	assert.Error(t, err)
	_, err = broker.NewProducer(broker.Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
