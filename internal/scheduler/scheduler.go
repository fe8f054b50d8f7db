// Package scheduler runs periodic campaign detection and the nightly
// re-analysis of historical alerts on cron schedules with seconds precision.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
)

type Config struct {
	// Detection and Reanalysis are cron specs ("0 */5 * * * *" or
	// "@every 5m"). An empty spec disables the job.
	Detection  string
	Reanalysis string
	// Lookback bounds how far back re-analysis reaches.
	Lookback time.Duration
	// Timeout caps a single job run. Zero means no cap.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Detection:  "@every 5m",
		Reanalysis: "0 0 3 * * *",
		Lookback:   7 * 24 * time.Hour,
		Timeout:    time.Hour,
	}
}

// Jobs are the functions the scheduler triggers.
type Jobs struct {
	Detect    func(ctx context.Context) error
	Reanalyze func(ctx context.Context, since time.Time) error
}

type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	jobs   Jobs
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New validates the schedules and registers the jobs. Runs of the same job
// never overlap: a tick that arrives while the previous run is still going
// is skipped.
func New(cfg Config, jobs Jobs, logger *slog.Logger) (*Scheduler, error) {
	log := logging.OrDiscard(logger).With(logging.Component("scheduler"))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
			cron.WithLogger(cronLogger{log}),
		),
		cfg:     cfg,
		jobs:    jobs,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log,
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
	}

	if cfg.Detection != "" {
		if jobs.Detect == nil {
			cancel()
			return nil, errors.New("detection schedule configured without a detect job")
		}
		if err := s.add("detection", cfg.Detection, s.runDetection); err != nil {
			cancel()
			return nil, err
		}
	}
	if cfg.Reanalysis != "" {
		if jobs.Reanalyze == nil {
			cancel()
			return nil, errors.New("reanalysis schedule configured without a reanalyze job")
		}
		if err := s.add("reanalysis", cfg.Reanalysis, s.runReanalysis); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, fn func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	s.logger.Info("job scheduled", slog.String("job", name), slog.String("spec", spec))
	return nil
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx := s.ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := s.now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error("scheduled job failed", slog.String("job", name),
			logging.Duration(elapsed), logging.Error(err))
		return
	}
	metrics.ScheduledRuns.WithLabelValues(name, "success").Inc()
	s.logger.Info("scheduled job completed", slog.String("job", name), logging.Duration(elapsed))
}

func (s *Scheduler) runDetection(ctx context.Context) error {
	return s.jobs.Detect(ctx)
}

func (s *Scheduler) runReanalysis(ctx context.Context) error {
	var since time.Time
	if s.cfg.Lookback > 0 {
		since = s.now().Add(-s.cfg.Lookback)
	}
	return s.jobs.Reanalyze(ctx, since)
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Next returns the next run time of a job, or false when it is not scheduled.
func (s *Scheduler) Next(job string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[job]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Stop halts scheduling, cancels running jobs and waits for them to return
// or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	s.cancel()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]any{logging.Error(err)}, keysAndValues...)...)
}
