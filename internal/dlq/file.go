package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
)

const defaultBasePath = "/var/lib/threatlink/dlq"

// FileQueue writes failed payloads to disk, one JSON file each. It suits a
// single node; clustered deployments use JetStreamQueue.
type FileQueue struct {
	basePath string
	logger   *slog.Logger
	mu       sync.Mutex
	written  uint64
}

// NewFileQueue creates a DLQ that writes to basePath.
func NewFileQueue(basePath string, logger *slog.Logger) (*FileQueue, error) {
	if basePath == "" {
		basePath = defaultBasePath
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &FileQueue{
		basePath: basePath,
		logger:   logging.OrDiscard(logger).With(slog.String("component", "dlq")),
	}, nil
}

// Write records a failed payload.
func (q *FileQueue) Write(ctx context.Context, origin string, payload []byte, meta map[string]string, err error, reason string) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	failed := newFailedPayload(origin, payload, meta, err, reason)

	filename := fmt.Sprintf("failed_%d_%d.json", failed.Timestamp.UnixNano(), q.written)
	data, marshalErr := json.MarshalIndent(failed, "", "  ")
	if marshalErr != nil {
		q.logger.Error("failed to marshal DLQ entry", logging.Error(marshalErr))
		return marshalErr
	}

	if writeErr := os.WriteFile(filepath.Join(q.basePath, filename), data, 0o644); writeErr != nil {
		q.logger.Error("failed to write DLQ entry", logging.Error(writeErr))
		return writeErr
	}

	q.written++
	metrics.DLQWrites.WithLabelValues(reason).Inc()
	q.logger.Info("wrote failed payload", slog.String("file", filename), slog.String("reason", reason))
	return nil
}

// Stats returns DLQ metrics.
func (q *FileQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false, "backend": "file"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return map[string]any{
			"enabled": true,
			"backend": "file",
			"written": q.written,
			"error":   err.Error(),
		}
	}
	return map[string]any{
		"enabled":       true,
		"backend":       "file",
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

// List returns failed payloads, oldest first.
func (q *FileQueue) List(ctx context.Context, limit int) ([]FailedPayload, error) {
	if q == nil {
		return nil, ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	var out []FailedPayload
	for _, name := range files {
		if limit > 0 && len(out) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(q.basePath, name))
		if err != nil {
			q.logger.Error("failed to read DLQ file", slog.String("file", name), logging.Error(err))
			continue
		}
		var failed FailedPayload
		if err := json.Unmarshal(data, &failed); err != nil {
			q.logger.Error("failed to parse DLQ file", slog.String("file", name), logging.Error(err))
			continue
		}
		out = append(out, failed)
	}
	return out, nil
}

// Purge removes every entry.
func (q *FileQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return fmt.Errorf("read dlq directory: %w", err)
	}

	deleted := 0
	for _, name := range files {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			q.logger.Error("failed to delete DLQ file", slog.String("file", name), logging.Error(err))
			continue
		}
		deleted++
	}
	q.logger.Info("purged DLQ", logging.Count(deleted))
	return nil
}

// entries lists DLQ file names in write order. Caller holds mu.
func (q *FileQueue) entries() ([]string, error) {
	dirEntries, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "failed_") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		ni, si := fileOrder(names[i])
		nj, sj := fileOrder(names[j])
		if ni != nj {
			return ni < nj
		}
		return si < sj
	})
	return names, nil
}

func fileOrder(name string) (ns int64, seq uint64) {
	_, _ = fmt.Sscanf(name, "failed_%d_%d.json", &ns, &seq)
	return ns, seq
}
