package distribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/memorymonster/platform/rollout/internal/models"
)

// JSONProducer is satisfied by *broker.Producer.
type JSONProducer interface {
	ProduceJSON(ctx context.Context, key string, v interface{}) (time.Time, error)
}

// KafkaChannel publishes a refresh notification keyed by application id.
type KafkaChannel struct {
	producer JSONProducer
	topic    string
}

func NewKafkaChannel(producer JSONProducer, topic string) *KafkaChannel {
	return &KafkaChannel{producer: producer, topic: topic}
}

func (c *KafkaChannel) Push(ctx context.Context, update models.StrategyUpdate) (Receipt, error) {
	if err := validate(update); err != nil {
		return Receipt{}, err
	}
	at, err := c.producer.ProduceJSON(ctx, update.AppID, BuildNotification(update))
	if err != nil {
		return Receipt{}, fmt.Errorf("kafka notify: %w", err)
	}
	return Receipt{Channel: "kafka", Reference: c.topic, PushedAt: at}, nil
}

// ObjectWriter is satisfied by *objectstore.Bucket.
type ObjectWriter interface {
	Key(parts ...string) string
	PutJSON(ctx context.Context, key string, v interface{}) (string, error)
}

// S3Channel stores the strategy document where clients poll for it.
type S3Channel struct {
	bucket ObjectWriter
	now    func() time.Time
}

func NewS3Channel(bucket ObjectWriter) *S3Channel {
	return &S3Channel{bucket: bucket, now: time.Now}
}

// DocumentKey is <prefix>/<appId>/<strategyType>/v<version>.json.
func (c *S3Channel) DocumentKey(update models.StrategyUpdate) string {
	return c.bucket.Key(update.AppID, update.StrategyType, fmt.Sprintf("v%d.json", update.Version))
}

func (c *S3Channel) Push(ctx context.Context, update models.StrategyUpdate) (Receipt, error) {
	if err := validate(update); err != nil {
		return Receipt{}, err
	}
	now := c.now().UTC()
	key := c.DocumentKey(update)
	if _, err := c.bucket.PutJSON(ctx, key, BuildDocument(update, now)); err != nil {
		return Receipt{}, fmt.Errorf("store strategy document: %w", err)
	}
	return Receipt{Channel: "s3", Reference: key, PushedAt: now}, nil
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
	// Backoff is the wait before the first retry; later retries wait
	// proportionally longer. Defaults to 100ms.
	Backoff    time.Duration
	HTTPClient *http.Client
}

// WebhookChannel POSTs the notification and document to a fleet gateway.
type WebhookChannel struct {
	url     string
	client  *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
}

func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &WebhookChannel{
		url:     strings.TrimSuffix(cfg.URL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
		backoff: backoff,
	}, nil
}

type webhookBody struct {
	Notification Notification `json:"notification"`
	Document     Document     `json:"document"`
}

func (c *WebhookChannel) Push(ctx context.Context, update models.StrategyUpdate) (Receipt, error) {
	if err := validate(update); err != nil {
		return Receipt{}, err
	}
	now := time.Now().UTC()
	body, err := json.Marshal(webhookBody{
		Notification: BuildNotification(update),
		Document:     BuildDocument(update, now),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("webhook marshal: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Receipt{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Receipt{}, fmt.Errorf("webhook build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", update.ID, update.Version))
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return Receipt{Channel: "webhook", Reference: c.url, PushedAt: now}, nil
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("webhook unavailable: %s", resp.Status)
			default:
				return Receipt{}, fmt.Errorf("webhook rejected push: %s", resp.Status)
			}
		}
		if i < attempts-1 {
			wait := time.NewTimer(time.Duration(i+1) * c.backoff)
			select {
			case <-ctx.Done():
				wait.Stop()
				return Receipt{}, ctx.Err()
			case <-wait.C:
			}
		}
	}
	return Receipt{}, fmt.Errorf("webhook push failed: %w", lastErr)
}
