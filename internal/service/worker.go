package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// Start launches the analysis worker. It is a no-op after the first call.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.processQueue(ctx)
	})
}

// Stop halts the worker and waits for the batch in flight. Keys still queued
// are dropped from live analysis.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		// Never started: mark done so a later Start stays inert.
		s.startOnce.Do(func() { close(s.done) })
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *Service) processQueue(ctx context.Context) {
	defer close(s.done)

	batch := make([]string, 0, s.cfg.BatchSize)
	timer := time.NewTimer(s.cfg.BatchWait)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.processBatch(ctx, batch)
		batch = batch[:0]
		metrics.QueueDepth.Set(float64(len(s.queue)))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-s.queue:
			batch = append(batch, key)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(s.cfg.BatchWait)
		}
	}
}

// processBatch correlates a batch against the alerts detected around it and,
// when edges were written, runs campaign detection. Failures are reported on
// the bus and never stop the worker.
func (s *Service) processBatch(ctx context.Context, keys []string) {
	keys = append([]string(nil), keys...)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("analysis panic: %v", r)
			s.failed(ctx, "correlation", err, keys)
		}
	}()

	s.bump(func(st *Stats) { st.Batches++ })

	alerts, err := s.repo.GetAlerts(ctx, keys)
	if err != nil {
		s.failed(ctx, "load", err, keys)
		return
	}
	if len(alerts) == 0 {
		return
	}

	neighbours, err := s.neighbours(ctx, alerts)
	if err != nil {
		s.failed(ctx, "load", err, keys)
		return
	}

	res, err := s.analyzer.AnalyzeIncremental(ctx, keys, neighbours)
	if err != nil {
		s.failed(ctx, "correlation", err, keys)
		return
	}
	if res.CorrelationsFound == 0 {
		return
	}

	s.correlated(ctx, res)

	if _, err := s.DetectCampaigns(ctx); err != nil {
		metrics.AnalysisErrors.WithLabelValues("campaign").Inc()
		s.bump(func(st *Stats) { st.AnalysisFails++ })
		s.logger.ErrorContext(ctx, "campaign detection failed", logging.Error(err))
	}
}

// neighbours lists alerts detected within the analysis window of the batch.
func (s *Service) neighbours(ctx context.Context, alerts []models.Alert) ([]string, error) {
	inBatch := make(map[string]bool, len(alerts))
	lo, hi := alerts[0].DetectedAt, alerts[0].DetectedAt
	for i := range alerts {
		inBatch[alerts[i].Key()] = true
		if alerts[i].DetectedAt.Before(lo) {
			lo = alerts[i].DetectedAt
		}
		if alerts[i].DetectedAt.After(hi) {
			hi = alerts[i].DetectedAt
		}
	}

	list, err := s.repo.ListAlerts(ctx, models.AlertFilter{
		Since: lo.Add(-s.cfg.AnalysisWindow),
		Until: hi.Add(s.cfg.AnalysisWindow),
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for i := range list {
		if k := list[i].Key(); !inBatch[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Service) failed(ctx context.Context, stage string, err error, keys []string) {
	metrics.AnalysisErrors.WithLabelValues(stage).Inc()
	s.bump(func(st *Stats) { st.AnalysisFails++ })
	s.logger.ErrorContext(ctx, "analysis batch failed",
		slog.String("stage", stage), logging.Count(len(keys)), logging.Error(err))
	s.bus.AnalysisFailed(ctx, stage, err, keys)
}
