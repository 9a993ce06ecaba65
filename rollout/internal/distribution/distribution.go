// Package distribution ships approved strategies toward the desktop fleet.
// Client selection by percentage happens on the far side of these channels.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memorymonster/platform/rollout/internal/models"
)

const (
	sourceAILearning     = "ai_learning"
	actionUpdateStrategy = "update_strategy"
)

// Channel delivers an approved strategy update.
type Channel interface {
	Push(ctx context.Context, update models.StrategyUpdate) (Receipt, error)
}

// Receipt describes where a push landed.
type Receipt struct {
	Channel   string    `json:"channel"`
	Reference string    `json:"reference,omitempty"`
	PushedAt  time.Time `json:"pushedAt"`
}

// Document is the per-application strategy file desktop clients download.
type Document struct {
	AppID      string                   `json:"appId"`
	Strategies map[string]StrategyEntry `json:"strategies"`
}

type StrategyEntry struct {
	UpdateID      string            `json:"updateId"`
	Version       int               `json:"version"`
	LastUpdated   time.Time         `json:"lastUpdated"`
	Source        string            `json:"source"`
	UpdateKind    models.UpdateKind `json:"updateKind"`
	RiskLevel     models.RiskLevel  `json:"riskLevel"`
	SchemaVersion int               `json:"schemaVersion"`
	Data          json.RawMessage   `json:"data"`
}

// Notification tells subscribed clients to refresh a strategy.
type Notification struct {
	Action       string `json:"action"`
	UpdateID     string `json:"updateId"`
	AppID        string `json:"appId"`
	StrategyType string `json:"strategyType"`
	Version      int    `json:"version"`
}

func BuildDocument(update models.StrategyUpdate, now time.Time) Document {
	return Document{
		AppID: update.AppID,
		Strategies: map[string]StrategyEntry{
			update.StrategyType: {
				UpdateID:      update.ID.String(),
				Version:       update.Version,
				LastUpdated:   now.UTC(),
				Source:        sourceAILearning,
				UpdateKind:    update.UpdateKind,
				RiskLevel:     update.RiskLevel,
				SchemaVersion: update.Payload.SchemaVersion,
				Data:          update.Payload.Data,
			},
		},
	}
}

func BuildNotification(update models.StrategyUpdate) Notification {
	return Notification{
		Action:       actionUpdateStrategy,
		UpdateID:     update.ID.String(),
		AppID:        update.AppID,
		StrategyType: update.StrategyType,
		Version:      update.Version,
	}
}

// Fanout pushes to every channel in order. It keeps going after a failure and
// reports the joined error; the receipt lists the references that succeeded.
type Fanout struct {
	channels []Channel
}

func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels}
}

func (f *Fanout) Push(ctx context.Context, update models.StrategyUpdate) (Receipt, error) {
	var (
		names []string
		refs  []string
		errs  []error
	)
	for _, ch := range f.channels {
		r, err := ch.Push(ctx, update)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, r.Channel)
		if r.Reference != "" {
			refs = append(refs, r.Reference)
		}
	}
	receipt := Receipt{
		Channel:   strings.Join(names, ","),
		Reference: strings.Join(refs, ","),
		PushedAt:  time.Now().UTC(),
	}
	return receipt, errors.Join(errs...)
}

// LogChannel only records the push. Used when no real channel is configured.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Push(ctx context.Context, update models.StrategyUpdate) (Receipt, error) {
	if c.logger != nil {
		c.logger.Info("strategy update ready for distribution",
			zap.String("update_id", update.ID.String()),
			zap.String("app_id", update.AppID),
			zap.String("strategy_type", update.StrategyType),
			zap.Int("version", update.Version),
			zap.Int("payload_bytes", update.Payload.Size()),
		)
	}
	return Receipt{Channel: "log", PushedAt: time.Now().UTC()}, nil
}

func validate(update models.StrategyUpdate) error {
	if update.AppID == "" || update.StrategyType == "" {
		return fmt.Errorf("distribution: strategy update %s missing app or strategy type", update.ID)
	}
	if update.Payload.Empty() {
		return fmt.Errorf("distribution: strategy update %s has empty payload", update.ID)
	}
	return nil
}
