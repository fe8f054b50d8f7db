// Package service is the alert pipeline: it accepts normalized alerts from
// webhooks and connectors, persists and archives them, and feeds a bounded
// analysis queue drained by a background worker.
//
// Ingestion never waits for analysis. When the queue is full the alert keys
// are dropped from live analysis (and counted); the nightly re-analysis picks
// them up again.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/campaign"
	"github.com/telhawk-systems/threatlink/internal/correlation"
	"github.com/telhawk-systems/threatlink/internal/events"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/repository"
	"github.com/telhawk-systems/threatlink/internal/storage"
)

// Archiver stores a searchable copy of alerts.
type Archiver interface {
	Archive(ctx context.Context, alerts []models.Alert) (storage.IndexResult, error)
}

// Analyzer scores alerts against each other.
type Analyzer interface {
	AnalyzeRelationships(ctx context.Context, ids []string) (correlation.Result, error)
	AnalyzeIncremental(ctx context.Context, ids, neighbours []string) (correlation.Result, error)
}

// Detector clusters correlations into campaigns.
type Detector interface {
	DetectCampaigns(ctx context.Context) (campaign.Result, error)
	CloseCampaign(ctx context.Context, id string) (*models.Campaign, error)
}

type Config struct {
	QueueSize  int
	BatchSize  int
	BatchWait  time.Duration
	DedupeSize int
	// AnalysisWindow is how far around a batch neighbours are loaded.
	AnalysisWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      10000,
		BatchSize:      100,
		BatchWait:      2 * time.Second,
		DedupeSize:     50000,
		AnalysisWindow: 24 * time.Hour,
	}
}

type Options struct {
	// Archive is optional.
	Archive Archiver
	// Events defaults to a no-op bus.
	Events *events.Bus
	// OnCorrelations is called after every analysis batch that found edges.
	OnCorrelations func(ctx context.Context, res correlation.Result)
	Logger         *slog.Logger
}

// Stats are process-local pipeline counters.
type Stats struct {
	Ingested      int64 `json:"ingested"`
	Duplicates    int64 `json:"duplicates"`
	Dropped       int64 `json:"dropped"`
	Batches       int64 `json:"batches"`
	AnalysisFails int64 `json:"analysis_failures"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
}

type Service struct {
	repo     repository.Repository
	analyzer Analyzer
	detector Detector
	archive  Archiver
	bus      *events.Bus
	onCorr   func(context.Context, correlation.Result)
	seen     *lru.Cache[string, struct{}]
	queue    chan string
	cfg      Config
	logger   *slog.Logger

	statsMu sync.Mutex
	stats   Stats

	// detectMu keeps batch-triggered and scheduled detection from
	// interleaving their event publication.
	detectMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(repo repository.Repository, analyzer Analyzer, detector Detector, cfg Config, opts Options) (*Service, error) {
	if repo == nil || analyzer == nil || detector == nil {
		return nil, errors.New("service: repository, analyzer and detector are required")
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = def.BatchWait
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = def.AnalysisWindow
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	bus := opts.Events
	if bus == nil {
		bus = events.Nop()
	}

	metrics.QueueCapacity.Set(float64(cfg.QueueSize))
	return &Service{
		repo:     repo,
		analyzer: analyzer,
		detector: detector,
		archive:  opts.Archive,
		bus:      bus,
		onCorr:   opts.OnCorrelations,
		seen:     seen,
		queue:    make(chan string, cfg.QueueSize),
		cfg:      cfg,
		logger:   logging.OrDiscard(opts.Logger).With(logging.Component("pipeline")),
		done:     make(chan struct{}),
		stats:    Stats{QueueCapacity: cfg.QueueSize},
	}, nil
}

// IngestAlerts implements the sink used by webhooks and connectors.
// Duplicates of recently accepted alerts are skipped. An error means none of
// the new alerts were persisted.
func (s *Service) IngestAlerts(ctx context.Context, alerts []models.Alert) error {
	fresh := make([]models.Alert, 0, len(alerts))
	batchSeen := make(map[string]bool, len(alerts))
	dups := 0
	for i := range alerts {
		a := alerts[i]
		a.Normalize()
		key := a.Key()
		if batchSeen[key] || s.seen.Contains(key) {
			dups++
			continue
		}
		batchSeen[key] = true
		fresh = append(fresh, a)
	}
	if dups > 0 {
		metrics.AlertsDuplicate.Add(float64(dups))
		s.bump(func(st *Stats) { st.Duplicates += int64(dups) })
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := s.repo.SaveAlerts(ctx, fresh); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist alerts", logging.Count(len(fresh)), logging.Error(err))
		return fmt.Errorf("persist alerts: %w", err)
	}

	bySource := make(map[string][]models.Alert)
	for i := range fresh {
		s.seen.Add(fresh[i].Key(), struct{}{})
		bySource[fresh[i].Source] = append(bySource[fresh[i].Source], fresh[i])
	}
	for src, group := range bySource {
		metrics.AlertsIngested.WithLabelValues(src).Add(float64(len(group)))
		s.bus.AlertsIngested(ctx, src, group)
	}
	s.bump(func(st *Stats) { st.Ingested += int64(len(fresh)) })

	if s.archive != nil {
		if _, err := s.archive.Archive(ctx, fresh); err != nil {
			// The store already holds the alerts; the archive is best effort.
			s.logger.WarnContext(ctx, "failed to archive alerts", logging.Error(err))
		}
	}

	s.enqueue(ctx, fresh)
	return nil
}

func (s *Service) enqueue(ctx context.Context, alerts []models.Alert) {
	dropped := 0
	for i := range alerts {
		select {
		case s.queue <- alerts[i].Key():
		default:
			dropped++
		}
	}
	metrics.QueueDepth.Set(float64(len(s.queue)))
	if dropped > 0 {
		metrics.QueueDropped.Add(float64(dropped))
		s.bump(func(st *Stats) { st.Dropped += int64(dropped) })
		s.logger.WarnContext(ctx, "analysis queue full, alerts skipped for live analysis",
			logging.Count(dropped))
	}
}

// UpdateAlertStatus changes analyst status and publishes the change.
func (s *Service) UpdateAlertStatus(ctx context.Context, key string, status models.AlertStatus) (*models.Alert, error) {
	a, err := s.repo.UpdateAlertStatus(ctx, key, status)
	if err != nil {
		return nil, err
	}
	s.bus.AlertUpdated(ctx, key, status)
	s.logger.InfoContext(ctx, "alert status updated", logging.AlertKey(key), logging.State(string(status)))
	return a, nil
}

// DetectCampaigns runs campaign detection and publishes its outcome.
func (s *Service) DetectCampaigns(ctx context.Context) (campaign.Result, error) {
	s.detectMu.Lock()
	defer s.detectMu.Unlock()

	res, err := s.detector.DetectCampaigns(ctx)
	if err != nil {
		s.bus.AnalysisFailed(ctx, "campaign", err, nil)
		return res, err
	}
	for _, c := range res.NewCampaigns {
		s.bus.CampaignDetected(ctx, c)
	}
	for _, c := range res.UpdatedCampaigns {
		s.bus.CampaignUpdated(ctx, c)
	}
	return res, nil
}

// AnalyzeRelationships scores every pair of the given alerts and publishes
// what it found.
func (s *Service) AnalyzeRelationships(ctx context.Context, ids []string) (correlation.Result, error) {
	res, err := s.analyzer.AnalyzeRelationships(ctx, ids)
	if err != nil {
		s.bus.AnalysisFailed(ctx, "correlation", err, ids)
		return res, err
	}
	s.correlated(ctx, res)
	return res, nil
}

func (s *Service) correlated(ctx context.Context, res correlation.Result) {
	if res.CorrelationsFound == 0 {
		return
	}
	s.bus.CorrelationsFound(ctx, events.CorrelationsFound{
		RunID:             res.RunID,
		CorrelationsFound: res.CorrelationsFound,
		AverageScore:      res.AverageScore,
		Correlations:      res.Correlations,
	})
	if s.onCorr != nil {
		s.onCorr(ctx, res)
	}
}

// CloseCampaign closes a campaign for good and publishes the change.
func (s *Service) CloseCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	s.detectMu.Lock()
	defer s.detectMu.Unlock()

	c, err := s.detector.CloseCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.CampaignUpdated(ctx, *c)
	return c, nil
}

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := s.stats
	st.QueueDepth = len(s.queue)
	return st
}

func (s *Service) bump(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}
