package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/models"
)

var (
	ErrSourceNotFound = errors.New("connector not found")
	ErrSourceOffline  = errors.New("connector is not connected")
)

// Manager owns every configured source.
type Manager struct {
	sources map[string]*Source
	order   []string
	logger  *slog.Logger
}

// NewManager builds a source per configuration through the registry.
func NewManager(cfgs []models.ConnectorConfig, reg *Registry, sink AlertSink, opts SourceOptions) (*Manager, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	m := &Manager{
		sources: make(map[string]*Source, len(cfgs)),
		logger:  logging.OrDiscard(opts.Logger).With(logging.Component("connectors")),
	}
	for _, cfg := range cfgs {
		if _, dup := m.sources[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate connector %q", cfg.Name)
		}
		conn, err := reg.New(cfg, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", cfg.Name, err)
		}
		m.Add(NewSource(cfg, conn, sink, opts))
	}
	return m, nil
}

// Add registers a source built elsewhere.
func (m *Manager) Add(s *Source) {
	name := s.Name()
	if _, ok := m.sources[name]; !ok {
		m.order = append(m.order, name)
	}
	m.sources[name] = s
}

// Start initializes all sources concurrently. A source that fails to
// connect stays disconnected and is reported in its status; it does not stop
// the others.
func (m *Manager) Start(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range m.order {
		s := m.sources[name]
		g.Go(func() error {
			if err := s.Initialize(ctx); err != nil {
				m.logger.ErrorContext(ctx, "connector failed to initialize", logging.Connector(name), logging.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop stops every source and waits for running cycles.
func (m *Manager) Stop() {
	var g errgroup.Group
	for _, s := range m.sources {
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// Sources lists source names in configuration order.
func (m *Manager) Sources() []string {
	return append([]string(nil), m.order...)
}

func (m *Manager) Source(name string) (*Source, bool) {
	s, ok := m.sources[name]
	return s, ok
}

func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sources[name].Status())
	}
	return out
}

// SyncNow runs a cycle for one source in the caller's goroutine.
func (m *Manager) SyncNow(ctx context.Context, name string) (int, error) {
	s, ok := m.sources[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	switch s.State() {
	case StateUninitialized, StateConnecting, StateDisconnected:
		return 0, fmt.Errorf("%w: %s", ErrSourceOffline, name)
	}
	return s.Sync(ctx)
}

// PushEnrichment sends e to every source with enrichment enabled. It returns
// how many sources accepted it; per-source failures are joined.
func (m *Manager) PushEnrichment(ctx context.Context, e Enrichment) (int, error) {
	if e.Empty() {
		return 0, nil
	}
	var (
		pushed int
		errs   []error
	)
	for _, name := range m.order {
		ok, err := m.sources[name].PushEnrichment(ctx, e)
		if err != nil {
			m.logger.WarnContext(ctx, "enrichment push failed", logging.Connector(name), logging.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if ok {
			pushed++
		}
	}
	return pushed, errors.Join(errs...)
}
