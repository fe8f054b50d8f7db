// Package connector pulls alerts from external SIEMs on a schedule and pushes
// correlation results back to them.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/threatlink/internal/models"
)

var (
	// ErrSyncTimeout means a remote search job did not finish within the
	// configured maximum wait.
	ErrSyncTimeout = errors.New("sync timed out")
	// ErrSyncFailed means the remote side reported the search as failed.
	ErrSyncFailed = errors.New("sync failed")
	// ErrConnectionUnavailable means the source could not be reached.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrAuthentication means credentials were rejected even after a fresh
	// login.
	ErrAuthentication = errors.New("authentication failed")
	// ErrUnknownType means no factory is registered for a connector type.
	ErrUnknownType = errors.New("unknown connector type")
)

// IngestOptions bound one pull.
type IngestOptions struct {
	Since time.Time
	Limit int
	Query string
}

// Enrichment is what gets pushed back to a source after analysis.
type Enrichment struct {
	RunID        string               `json:"run_id"`
	Generated    time.Time            `json:"generated"`
	Correlations []models.Correlation `json:"correlations"`
	Campaigns    []models.Campaign    `json:"campaigns,omitempty"`
}

// Empty reports whether there is nothing to push.
func (e Enrichment) Empty() bool {
	return len(e.Correlations) == 0 && len(e.Campaigns) == 0
}

// Connector is one external alert source.
type Connector interface {
	Type() models.SourceType
	Authenticate(ctx context.Context) error
	TestConnection(ctx context.Context) (bool, error)
	IngestAlerts(ctx context.Context, opts IngestOptions) ([]models.Alert, error)
	PushEnrichment(ctx context.Context, e Enrichment) (bool, error)
}

// Factory builds a connector from its configuration.
type Factory func(cfg models.ConnectorConfig, logger *slog.Logger) (Connector, error)

// Registry maps source types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.SourceType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.SourceType]Factory)}
}

// DefaultRegistry has every built-in connector registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.SourceSplunk, NewSplunk)
	return r
}

func (r *Registry) Register(t models.SourceType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New builds the connector for cfg.Type.
func (r *Registry) New(cfg models.ConnectorConfig, logger *slog.Logger) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	return f(cfg, logger)
}

// Types lists registered types in order.
func (r *Registry) Types() []models.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SourceType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
