package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/common/messaging"
	"github.com/telhawk-systems/threatlink/common/messaging/nats"
	"github.com/telhawk-systems/threatlink/internal/metrics"
)

// JetStreamQueue writes failed payloads to NATS JetStream. Safe for use
// across multiple threatlink instances.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *slog.Logger
	written uint64
}

// NewJetStreamQueue creates a DLQ backed by the THREATLINK_DLQ stream.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *slog.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger = logging.OrDiscard(logger).With(slog.String("component", "dlq"))
	logger.Info("JetStream DLQ stream ready", slog.String("stream", nats.DLQStream.Name))

	return &JetStreamQueue{js: js, stream: stream, logger: logger}, nil
}

// Write publishes a failed payload on threatlink.dlq.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, origin string, payload []byte, meta map[string]string, err error, reason string) error {
	if q == nil {
		return nil
	}

	data, marshalErr := json.Marshal(newFailedPayload(origin, payload, meta, err, reason))
	if marshalErr != nil {
		q.logger.Error("failed to marshal DLQ entry", logging.Error(marshalErr))
		return marshalErr
	}

	subject := messaging.DLQSubject(reason)
	if _, pubErr := q.js.PublishSync(ctx, subject, data); pubErr != nil {
		q.logger.Error("failed to publish DLQ entry", logging.Subject(subject), logging.Error(pubErr))
		return pubErr
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DLQWrites.WithLabelValues(reason).Inc()
	q.logger.Info("published failed payload", slog.String("reason", reason), slog.String("origin", origin))
	return nil
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false, "backend": "jetstream"}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		q.logger.Error("failed to get DLQ stream info", logging.Error(err))
		return map[string]any{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
		"consumer_count": info.State.Consumers,
	}
}

// List reads up to limit entries through an ephemeral consumer.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedPayload, error) {
	if q == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectDLQWildcard},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []FailedPayload
	for msg := range msgs.Messages() {
		var failed FailedPayload
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			q.logger.Error("failed to parse DLQ message", logging.Error(err))
			continue
		}
		out = append(out, failed)
	}
	if msgs.Error() != nil {
		q.logger.Warn("DLQ fetch completed with error", logging.Error(msgs.Error()))
	}
	return out, nil
}

// Purge removes every entry from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.Info("purged DLQ stream")
	return nil
}
