package seeder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/normalizer"
)

// Sink accepts normalized alerts.
type Sink interface {
	IngestAlerts(ctx context.Context, alerts []models.Alert) error
}

// Summary reports a seeding run.
type Summary struct {
	Generated int `json:"generated"`
	Ingested  int `json:"ingested"`
	Failed    int `json:"failed"`
	Batches   int `json:"batches"`
}

// Runner feeds generated records through the generic parser into a sink,
// the same path a webhook delivery takes after its gates.
type Runner struct {
	gen       *Generator
	parsers   *normalizer.Registry
	batchSize int
	logger    *slog.Logger
}

func NewRunner(gen *Generator, batchSize int, logger *slog.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Runner{
		gen:       gen,
		parsers:   normalizer.DefaultRegistry(),
		batchSize: batchSize,
		logger:    logging.OrDiscard(logger).With(logging.Component("seeder")),
	}
}

// DeliverFunc sends one encoded batch and returns how many alerts the
// receiver accepted.
type DeliverFunc func(ctx context.Context, body []byte) (int, error)

// Run generates one data set and ingests it batch by batch through the
// generic parser. A failed batch is counted and skipped.
func (r *Runner) Run(ctx context.Context, sink Sink) (Summary, error) {
	return r.Deliver(ctx, func(ctx context.Context, body []byte) (int, error) {
		alerts, err := r.parsers.Parse(models.SourceGeneric, body)
		if err != nil {
			return 0, fmt.Errorf("parse generated batch: %w", err)
		}
		for i := range alerts {
			alerts[i].Source = "seed"
		}
		if err := sink.IngestAlerts(ctx, alerts); err != nil {
			return 0, err
		}
		return len(alerts), nil
	})
}

// Deliver generates one data set and hands each encoded batch to send, e.g.
// to post it to a webhook.
func (r *Runner) Deliver(ctx context.Context, send DeliverFunc) (Summary, error) {
	records := r.gen.Records()
	sum := Summary{Generated: len(records)}

	for start := 0; start < len(records); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		end := min(start+r.batchSize, len(records))
		body, err := Payload(records[start:end])
		if err != nil {
			return sum, fmt.Errorf("encode batch: %w", err)
		}

		sum.Batches++
		n, err := send(ctx, body)
		if err != nil {
			sum.Failed += end - start
			r.logger.WarnContext(ctx, "seed batch rejected", logging.Count(end-start), logging.Error(err))
			continue
		}
		sum.Ingested += n
	}

	r.logger.InfoContext(ctx, "seeding complete",
		slog.Int("generated", sum.Generated), slog.Int("ingested", sum.Ingested), slog.Int("failed", sum.Failed))
	return sum, nil
}
