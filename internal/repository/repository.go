// Package repository persists alerts, correlation edges and campaigns.
package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/threatlink/internal/models"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the store shared by the pipeline, the correlation engine and
// the campaign detector.
type Repository interface {
	// SaveAlerts inserts or replaces alerts by key. Analyst status and the
	// original creation time of an existing alert are kept.
	SaveAlerts(ctx context.Context, alerts []models.Alert) error
	GetAlert(ctx context.Context, key string) (*models.Alert, error)
	// GetAlerts returns the alerts that exist among keys, in key order.
	GetAlerts(ctx context.Context, keys []string) ([]models.Alert, error)
	// ListAlerts returns alerts ordered by detection time, then key.
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
	UpdateAlertStatus(ctx context.Context, key string, status models.AlertStatus) (*models.Alert, error)

	// UpsertCorrelation replaces any previous edge of the same pair.
	UpsertCorrelation(ctx context.Context, c models.Correlation) error
	DeleteCorrelation(ctx context.Context, a, b string) error
	ListCorrelations(ctx context.Context, minScore float64) ([]models.Correlation, error)

	CreateCampaign(ctx context.Context, c *models.Campaign) error
	// UpdateCampaign stores the campaign's fields and member set. The
	// timeline is append-only and is not touched.
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]models.Campaign, error)
	AppendTimeline(ctx context.Context, ev models.TimelineEvent) error

	Ping(ctx context.Context) error
	Close() error
}

// checkTransition validates moving an alert from cur to next.
func checkTransition(cur, next models.AlertStatus) error {
	if !next.Valid() {
		return errors.Join(ErrInvalidTransition, errors.New("unknown status "+string(next)))
	}
	if cur == next || cur.CanTransition(next) {
		return nil
	}
	return errors.Join(ErrInvalidTransition, errors.New(string(cur)+" -> "+string(next)))
}
