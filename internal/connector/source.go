package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/dlq"
	"github.com/telhawk-systems/threatlink/internal/events"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// DefaultSyncInterval applies when a configuration carries no usable
// interval.
const DefaultSyncInterval = 5 * time.Minute

// ErrSyncInProgress is returned when a cycle is requested while the previous
// one for the same source is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// State is the lifecycle state of a source.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateIdle          State = "idle"
	StateSyncing       State = "syncing"
	StateDisconnected  State = "disconnected"
)

// AlertSink receives pulled alerts.
type AlertSink interface {
	IngestAlerts(ctx context.Context, alerts []models.Alert) error
}

// sessionResetter is implemented by connectors holding a login session.
type sessionResetter interface {
	clearSession()
}

// SourceOptions are shared by every source of a manager.
type SourceOptions struct {
	Events *events.Bus
	// DLQ receives batches the sink refused. Nil disables it.
	DLQ    dlq.Writer
	Logger *slog.Logger
}

// Status is a point-in-time view of a source.
type Status struct {
	Name       string            `json:"name"`
	Type       models.SourceType `json:"type"`
	State      State             `json:"state"`
	Ingestion  bool              `json:"ingestion"`
	Enrichment bool              `json:"enrichment"`
	Interval   time.Duration     `json:"sync_interval"`
	Since      time.Time         `json:"since"`
	LastSync   time.Time         `json:"last_sync,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Syncs      int64             `json:"syncs"`
	Failures   int64             `json:"failures"`
	Alerts     int64             `json:"alerts"`
}

// Source drives one connector: its state, its watermark and its sync ticker.
// Cycles for one source never overlap; different sources run independently.
type Source struct {
	conn   Connector
	sink   AlertSink
	bus    *events.Bus
	dlq    dlq.Writer
	logger *slog.Logger
	now    func() time.Time

	cycle sync.Mutex

	mu     sync.Mutex
	cfg    models.ConnectorConfig
	state  State
	since  time.Time
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSource(cfg models.ConnectorConfig, conn Connector, sink AlertSink, opts SourceOptions) *Source {
	bus := opts.Events
	if bus == nil {
		bus = events.Nop()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Source{
		conn:   conn,
		sink:   sink,
		bus:    bus,
		dlq:    opts.DLQ,
		logger: logging.OrDiscard(opts.Logger).With(logging.Connector(cfg.Name)),
		now:    time.Now,
		cfg:    cfg,
		state:  StateUninitialized,
	}
}

func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Name
}

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Source) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("connector state changed", slog.String("from", string(prev)), logging.State(string(st)))
	}
}

// Initialize authenticates and tests the connection. When ingestion is
// enabled it starts the sync ticker, which runs one cycle immediately. A
// source that cannot connect still gets its ticker: every tick retries the
// connection until it succeeds.
func (s *Source) Initialize(ctx context.Context) error {
	err := s.connect(ctx)

	s.mu.Lock()
	ingest := s.cfg.Features.Ingestion
	s.mu.Unlock()

	if err != nil {
		s.startTicker(false)
		return fmt.Errorf("connector %s: %w", s.Name(), err)
	}
	s.logger.InfoContext(ctx, "connector initialized", slog.Bool("ingestion", ingest))
	if ingest {
		s.startTicker(true)
	}
	return nil
}

// connect authenticates and tests the connection, leaving the source
// connected or disconnected.
func (s *Source) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	err := s.conn.Authenticate(ctx)
	if err == nil {
		var ok bool
		ok, err = s.conn.TestConnection(ctx)
		if err == nil && !ok {
			err = ErrConnectionUnavailable
		}
	}
	if err != nil {
		if r, ok := s.conn.(sessionResetter); ok {
			r.clearSession()
		}
		s.fail(err)
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.state = StateConnected
	if s.since.IsZero() {
		s.since = s.now().Add(-s.cfg.SyncInterval)
	}
	s.mu.Unlock()
	return nil
}

// startTicker starts the cycle loop. With immediate set the first tick runs
// right away, otherwise after one interval.
func (s *Source) startTicker(immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	interval := s.cfg.SyncInterval
	if s.state == StateConnected {
		s.state = StateIdle
	}

	s.wg.Add(1)
	go s.loop(ctx, interval, immediate)
}

func (s *Source) stopTicker() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Source) loop(ctx context.Context, interval time.Duration, immediate bool) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !immediate {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick reconnects a disconnected source, then runs a cycle when ingestion
// is enabled.
func (s *Source) tick(ctx context.Context) {
	if s.State() == StateDisconnected {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("reconnect failed", logging.Error(err))
			}
			return
		}
		s.logger.Info("connector reconnected")
	}

	s.mu.Lock()
	ingest := s.cfg.Features.Ingestion
	if s.state == StateConnected && ingest {
		s.state = StateIdle
	}
	s.mu.Unlock()
	if !ingest {
		return
	}
	if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
		s.logger.Warn("sync cycle failed", logging.Error(err))
	}
}

// Sync runs one cycle: pull alerts since the watermark, hand them to the
// sink and advance the watermark. It returns ErrSyncInProgress without doing
// anything when a cycle is already running.
func (s *Source) Sync(ctx context.Context) (int, error) {
	if !s.cycle.TryLock() {
		return 0, ErrSyncInProgress
	}
	defer s.cycle.Unlock()

	s.mu.Lock()
	cfg, since, prev := s.cfg, s.since, s.state
	s.state = StateSyncing
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateSyncing {
			s.state = StateIdle
			if prev == StateConnected && s.cancel == nil {
				s.state = StateConnected
			}
		}
		s.mu.Unlock()
	}()

	start := s.now()
	alerts, err := s.conn.IngestAlerts(ctx, IngestOptions{Since: since, Limit: cfg.Limit, Query: cfg.Query})
	// Keys are scoped to the connector so two sources of one vendor never
	// collide on event ids.
	for i := range alerts {
		alerts[i].Source = cfg.Name
	}
	if err == nil && len(alerts) > 0 {
		if err = s.sink.IngestAlerts(ctx, alerts); err != nil {
			s.deadLetter(ctx, alerts, err)
		}
	}
	metrics.ConnectorSyncDuration.WithLabelValues(cfg.Name).Observe(time.Since(start).Seconds())

	ev := events.ConnectorSynced{Connector: cfg.Name, Since: since}
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			if r, ok := s.conn.(sessionResetter); ok {
				r.clearSession()
			}
		}
		metrics.ConnectorSyncs.WithLabelValues(cfg.Name, "error").Inc()
		s.fail(err)
		ev.Error = err.Error()
		s.bus.ConnectorSynced(ctx, ev)
		return 0, err
	}

	metrics.ConnectorSyncs.WithLabelValues(cfg.Name, "success").Inc()
	s.mu.Lock()
	s.since = start
	s.status.LastSync = start
	s.status.LastError = ""
	s.status.Syncs++
	s.status.Alerts += int64(len(alerts))
	s.mu.Unlock()

	ev.Alerts = len(alerts)
	s.bus.ConnectorSynced(ctx, ev)
	s.logger.InfoContext(ctx, "sync cycle completed", logging.Count(len(alerts)), logging.Duration(time.Since(start)))
	return len(alerts), nil
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.status.Failures++
	s.mu.Unlock()
}

func (s *Source) deadLetter(ctx context.Context, alerts []models.Alert, cause error) {
	if s.dlq == nil {
		return
	}
	payload, err := json.Marshal(alerts)
	if err != nil {
		return
	}
	meta := map[string]string{"connector": s.Name(), "alerts": fmt.Sprint(len(alerts))}
	if werr := s.dlq.Write(ctx, s.Name(), payload, meta, cause, dlq.ReasonSyncFailed); werr != nil {
		s.logger.ErrorContext(ctx, "failed to dead-letter sync batch", logging.Error(werr))
	}
}

// PushEnrichment pushes results back when enrichment is enabled.
func (s *Source) PushEnrichment(ctx context.Context, e Enrichment) (bool, error) {
	s.mu.Lock()
	enabled := s.cfg.Features.Enrichment
	st := s.state
	s.mu.Unlock()
	if !enabled || st == StateUninitialized || st == StateDisconnected {
		return false, nil
	}
	return s.conn.PushEnrichment(ctx, e)
}

// UpdateConfig swaps the configuration and restarts the ticker when the
// interval changed. A non-positive interval falls back to
// DefaultSyncInterval. Credentials and endpoint changes need a new source.
func (s *Source) UpdateConfig(cfg models.ConnectorConfig) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.cancel != nil
	connected := s.state != StateUninitialized && s.state != StateDisconnected && s.state != StateConnecting
	s.mu.Unlock()

	switch {
	case running && connected && old.Features.Ingestion && !cfg.Features.Ingestion:
		s.stopTicker()
		s.setState(StateConnected)
	case running && old.SyncInterval != cfg.SyncInterval:
		s.stopTicker()
		s.startTicker(true)
	case !running && connected && cfg.Features.Ingestion:
		s.startTicker(true)
	default:
		return
	}
	s.logger.Info("connector schedule updated", logging.Duration(cfg.SyncInterval), slog.Bool("ingestion", cfg.Features.Ingestion))
}

// Stop cancels the ticker, waits for a running cycle to return and marks the
// source disconnected.
func (s *Source) Stop() {
	s.stopTicker()
	s.setState(StateDisconnected)
}

func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Name = s.cfg.Name
	st.Type = s.cfg.Type
	st.State = s.state
	st.Ingestion = s.cfg.Features.Ingestion
	st.Enrichment = s.cfg.Features.Enrichment
	st.Interval = s.cfg.SyncInterval
	st.Since = s.since
	return st
}
