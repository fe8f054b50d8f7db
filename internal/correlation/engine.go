// Package correlation scores relationships between alerts and persists the
// surviving pairs as correlation edges.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// ErrCorrelationCompute wraps every failure of an analysis run.
var ErrCorrelationCompute = errors.New("correlation compute failed")

// Store is the persistence the engine needs.
type Store interface {
	GetAlerts(ctx context.Context, keys []string) ([]models.Alert, error)
	ListCorrelations(ctx context.Context, minScore float64) ([]models.Correlation, error)
	UpsertCorrelation(ctx context.Context, c models.Correlation) error
	DeleteCorrelation(ctx context.Context, a, b string) error
}

type Config struct {
	Weights  Weights
	Window   time.Duration
	MinScore float64
	// LockStripes bounds the number of pair locks.
	LockStripes int
}

func DefaultConfig() Config {
	return Config{
		Weights:     Weights{Indicator: 0.6, Technique: 0.15, Temporal: 0.25},
		Window:      time.Hour,
		MinScore:    0.3,
		LockStripes: 64,
	}
}

// Result summarizes one analysis run.
type Result struct {
	RunID             string               `json:"runId"`
	CorrelationsFound int                  `json:"correlationsFound"`
	AverageScore      float64              `json:"averageScore"`
	Correlations      []models.Correlation `json:"-"`
}

type Engine struct {
	store  Store
	cfg    Config
	scorer Scorer
	locks  []sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(store Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 64
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		scorer: NewScorer(cfg.Weights, cfg.Window),
		locks:  make([]sync.Mutex, cfg.LockStripes),
		logger: logging.OrDiscard(logger).With(logging.Component("correlation")),
		now:    time.Now,
	}
}

// WithClock overrides the time source used for edge timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Score exposes the pair score.
func (e *Engine) Score(a, b *models.Alert) float64 {
	return e.scorer.Score(a, b)
}

// AnalyzeRelationships scores every unordered pair of the given alert keys.
// Pairs at or above MinScore are stored, replacing any earlier edge of the
// pair; pairs now below it lose their earlier edge.
func (e *Engine) AnalyzeRelationships(ctx context.Context, ids []string) (Result, error) {
	return e.analyze(ctx, ids, nil)
}

// AnalyzeIncremental scores the pairs that involve at least one of ids,
// against each other and against neighbours. Pairs made only of neighbours
// are left alone.
func (e *Engine) AnalyzeIncremental(ctx context.Context, ids, neighbours []string) (Result, error) {
	focus := make(map[string]bool, len(ids))
	for _, id := range ids {
		focus[id] = true
	}
	return e.analyze(ctx, append(append([]string(nil), ids...), neighbours...), focus)
}

func (e *Engine) analyze(ctx context.Context, ids []string, focus map[string]bool) (Result, error) {
	start := time.Now()
	res := Result{RunID: uuid.NewString()}
	log := e.logger.With(logging.RunID(res.RunID))

	keys := dedupe(ids)
	if len(keys) < 2 {
		return res, nil
	}

	alerts, err := e.store.GetAlerts(ctx, keys)
	if err != nil {
		return res, e.fail(ctx, log, "load alerts", err)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Key() < alerts[j].Key() })

	existing, err := e.existingEdges(ctx, keys)
	if err != nil {
		return res, e.fail(ctx, log, "load edges", err)
	}

	now := e.now().UTC()
	var sum float64
	for i := 0; i < len(alerts); i++ {
		for j := i + 1; j < len(alerts); j++ {
			a, b := &alerts[i], &alerts[j]
			ka, kb := a.Key(), b.Key()
			if focus != nil && !focus[ka] && !focus[kb] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, e.fail(ctx, log, "cancelled", err)
			}

			bd := e.scorer.Evaluate(a, b)
			if bd.Score < e.cfg.MinScore {
				if existing[pairOf(ka, kb)] {
					if err := e.withPairLock(ka, kb, func() error {
						return e.store.DeleteCorrelation(ctx, ka, kb)
					}); err != nil {
						return res, e.fail(ctx, log, "delete edge", err)
					}
				}
				continue
			}

			c := models.Correlation{
				AlertA:           ka,
				AlertB:           kb,
				Score:            bd.Score,
				DetectedAt:       now,
				SharedIndicators: bd.SharedIndicators,
				SharedTechniques: bd.SharedTechniques,
				RunID:            res.RunID,
			}
			c.AlertA, c.AlertB = models.PairKey(ka, kb)
			if err := e.withPairLock(ka, kb, func() error {
				return e.store.UpsertCorrelation(ctx, c)
			}); err != nil {
				return res, e.fail(ctx, log, "store edge", err)
			}
			res.Correlations = append(res.Correlations, c)
			sum += bd.Score
		}
	}

	res.CorrelationsFound = len(res.Correlations)
	if res.CorrelationsFound > 0 {
		res.AverageScore = sum / float64(res.CorrelationsFound)
	}

	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	metrics.CorrelationsFound.Add(float64(res.CorrelationsFound))
	log.DebugContext(ctx, "relationship analysis complete",
		logging.Count(len(alerts)),
		slog.Int("correlations", res.CorrelationsFound),
		slog.Float64("average_score", res.AverageScore),
		logging.Duration(time.Since(start)))
	return res, nil
}

func (e *Engine) fail(ctx context.Context, log *slog.Logger, stage string, err error) error {
	metrics.AnalysisErrors.WithLabelValues("correlation").Inc()
	log.ErrorContext(ctx, "relationship analysis failed", slog.String("stage", stage), logging.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrCorrelationCompute, stage, err)
}

type pair struct{ a, b string }

func pairOf(x, y string) pair {
	a, b := models.PairKey(x, y)
	return pair{a, b}
}

// existingEdges returns the stored edges whose both ends are in keys.
func (e *Engine) existingEdges(ctx context.Context, keys []string) (map[pair]bool, error) {
	edges, err := e.store.ListCorrelations(ctx, 0)
	if err != nil {
		return nil, err
	}
	in := make(map[string]bool, len(keys))
	for _, k := range keys {
		in[k] = true
	}
	out := make(map[pair]bool)
	for _, c := range edges {
		if in[c.AlertA] && in[c.AlertB] {
			out[pairOf(c.AlertA, c.AlertB)] = true
		}
	}
	return out, nil
}

// withPairLock serializes writes for one pair across concurrent runs.
func (e *Engine) withPairLock(x, y string, fn func() error) error {
	a, b := models.PairKey(x, y)
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	mu := &e.locks[h.Sum32()%uint32(len(e.locks))]
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
