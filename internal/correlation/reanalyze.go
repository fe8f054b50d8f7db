package correlation

import (
	"context"
	"log/slog"
	"time"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// AlertLister pages through stored alerts.
type AlertLister interface {
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
}

// Reanalyzer re-scores historical alerts page by page. Each page is analyzed
// on its own and against the previous page, so pairs straddling a page
// boundary are still found.
type Reanalyzer struct {
	alerts    AlertLister
	engine    *Engine
	pageSize  int
	pageDelay time.Duration
	logger    *slog.Logger
}

func NewReanalyzer(alerts AlertLister, engine *Engine, pageSize int, pageDelay time.Duration, logger *slog.Logger) *Reanalyzer {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Reanalyzer{
		alerts:    alerts,
		engine:    engine,
		pageSize:  pageSize,
		pageDelay: pageDelay,
		logger:    logging.OrDiscard(logger).With(logging.Component("reanalyzer")),
	}
}

// ReanalysisResult aggregates a batch run.
type ReanalysisResult struct {
	Pages             int     `json:"pages"`
	Alerts            int     `json:"alerts"`
	CorrelationsFound int     `json:"correlationsFound"`
	AverageScore      float64 `json:"averageScore"`
}

// Run analyzes every alert detected at or after since.
func (r *Reanalyzer) Run(ctx context.Context, since time.Time) (ReanalysisResult, error) {
	var (
		res  ReanalysisResult
		prev []string
		sum  float64
	)
	start := time.Now()

	for offset := 0; ; offset += r.pageSize {
		page, err := r.alerts.ListAlerts(ctx, models.AlertFilter{Since: since, Offset: offset, Limit: r.pageSize})
		if err != nil {
			return res, r.engine.fail(ctx, r.logger, "list alerts", err)
		}
		if len(page) == 0 {
			break
		}

		keys := make([]string, len(page))
		for i := range page {
			keys[i] = page[i].Key()
		}

		pr, err := r.engine.AnalyzeIncremental(ctx, keys, prev)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Alerts += len(page)
		res.CorrelationsFound += pr.CorrelationsFound
		sum += pr.AverageScore * float64(pr.CorrelationsFound)

		if len(page) < r.pageSize {
			break
		}
		prev = keys

		if r.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}
	}

	if res.CorrelationsFound > 0 {
		res.AverageScore = sum / float64(res.CorrelationsFound)
	}
	r.logger.InfoContext(ctx, "batch re-analysis complete",
		slog.Int("pages", res.Pages),
		logging.Count(res.Alerts),
		slog.Int("correlations", res.CorrelationsFound),
		logging.Duration(time.Since(start)))
	return res, nil
}
