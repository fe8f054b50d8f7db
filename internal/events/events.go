// Package events publishes typed pipeline events to the message bus.
// Publishing never blocks or fails the caller: delivery errors are logged.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/common/messaging"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// Envelope wraps every event on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Instance  string          `json:"instance,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type AlertsIngested struct {
	Source string   `json:"source"`
	Count  int      `json:"count"`
	Keys   []string `json:"keys"`
}

type AlertUpdated struct {
	Key    string             `json:"key"`
	Status models.AlertStatus `json:"status"`
}

type CorrelationsFound struct {
	RunID             string               `json:"run_id"`
	CorrelationsFound int                  `json:"correlations_found"`
	AverageScore      float64              `json:"average_score"`
	Correlations      []models.Correlation `json:"correlations"`
}

type CampaignChanged struct {
	Campaign models.Campaign `json:"campaign"`
}

type AnalysisFailed struct {
	Stage string   `json:"stage"`
	Error string   `json:"error"`
	Keys  []string `json:"keys,omitempty"`
}

type ConnectorSynced struct {
	Connector string    `json:"connector"`
	Alerts    int       `json:"alerts"`
	Since     time.Time `json:"since"`
	Error     string    `json:"error,omitempty"`
}

// Bus publishes events. A Bus without a publisher drops everything.
type Bus struct {
	pub      messaging.Publisher
	instance string
	logger   *slog.Logger
	now      func() time.Time
}

// NewBus publishes through pub. pub may be nil.
func NewBus(pub messaging.Publisher, logger *slog.Logger) *Bus {
	host, _ := os.Hostname()
	return &Bus{
		pub:      pub,
		instance: host,
		logger:   logging.OrDiscard(logger).With(logging.Component("events")),
		now:      time.Now,
	}
}

// Nop returns a Bus that publishes nothing.
func Nop() *Bus { return NewBus(nil, nil) }

// Enabled reports whether events leave the process.
func (b *Bus) Enabled() bool { return b != nil && b.pub != nil }

func (b *Bus) emit(ctx context.Context, subject string, data any) {
	if !b.Enabled() {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode event", logging.Subject(subject), logging.Error(err))
		return
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      subject,
		Timestamp: b.now().UTC(),
		Instance:  b.instance,
		Data:      raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode event", logging.Subject(subject), logging.Error(err))
		return
	}

	msg := &messaging.Message{
		Subject: subject,
		Data:    body,
		Metadata: map[string]string{
			messaging.HeaderEventType:           subject,
			messaging.HeaderOriginatingInstance: b.instance,
		},
		Timestamp: env.Timestamp,
	}
	if err := b.pub.PublishMsg(ctx, msg); err != nil {
		b.logger.WarnContext(ctx, "failed to publish event", logging.Subject(subject), logging.Error(err))
	}
}

func (b *Bus) AlertsIngested(ctx context.Context, source string, alerts []models.Alert) {
	if !b.Enabled() {
		return
	}
	keys := make([]string, len(alerts))
	for i := range alerts {
		keys[i] = alerts[i].Key()
	}
	b.emit(ctx, messaging.SubjectAlertsIngested, AlertsIngested{Source: source, Count: len(alerts), Keys: keys})
}

func (b *Bus) AlertUpdated(ctx context.Context, key string, status models.AlertStatus) {
	b.emit(ctx, messaging.SubjectAlertsUpdated, AlertUpdated{Key: key, Status: status})
}

func (b *Bus) CorrelationsFound(ctx context.Context, ev CorrelationsFound) {
	b.emit(ctx, messaging.SubjectCorrelationsFound, ev)
}

func (b *Bus) CampaignDetected(ctx context.Context, c models.Campaign) {
	b.emit(ctx, messaging.SubjectCampaignsDetected, CampaignChanged{Campaign: c})
}

func (b *Bus) CampaignUpdated(ctx context.Context, c models.Campaign) {
	b.emit(ctx, messaging.SubjectCampaignsUpdated, CampaignChanged{Campaign: c})
}

func (b *Bus) AnalysisFailed(ctx context.Context, stage string, err error, keys []string) {
	b.emit(ctx, messaging.SubjectAnalysisFailed, AnalysisFailed{Stage: stage, Error: err.Error(), Keys: keys})
}

func (b *Bus) ConnectorSynced(ctx context.Context, ev ConnectorSynced) {
	b.emit(ctx, messaging.SubjectConnectorsSynced, ev)
}
