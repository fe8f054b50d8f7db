// Package dlq keeps payloads that could not be ingested so they can be
// inspected and replayed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Reasons used by the ingestion paths.
const (
	ReasonUnrecognizedFormat = "unrecognized_format"
	ReasonParseFailed        = "parse_failed"
	ReasonSinkFailed         = "sink_failed"
	ReasonSyncFailed         = "sync_failed"
)

// ErrDisabled is returned by read operations on a nil queue.
var ErrDisabled = errors.New("dlq not enabled")

// FailedPayload captures a rejected payload and why it was rejected.
type FailedPayload struct {
	Timestamp   time.Time         `json:"timestamp"`
	Origin      string            `json:"origin"` // webhook or connector name
	Payload     json.RawMessage   `json:"payload,omitempty"`
	PayloadText string            `json:"payload_text,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       string            `json:"error"`
	Reason      string            `json:"reason"`
	Attempts    int               `json:"attempts"`
}

// Writer accepts failed payloads. Implementations treat a nil receiver as a
// disabled queue.
type Writer interface {
	Write(ctx context.Context, origin string, payload []byte, meta map[string]string, err error, reason string) error
}

// Queue is a Writer that can also be inspected and drained.
type Queue interface {
	Writer
	Stats(ctx context.Context) map[string]any
	List(ctx context.Context, limit int) ([]FailedPayload, error)
	Purge(ctx context.Context) error
}

func newFailedPayload(origin string, payload []byte, meta map[string]string, err error, reason string) FailedPayload {
	fp := FailedPayload{
		Timestamp: time.Now().UTC(),
		Origin:    origin,
		Metadata:  meta,
		Reason:    reason,
		Attempts:  1,
	}
	if err != nil {
		fp.Error = err.Error()
	}
	// Payloads that are not JSON are kept verbatim as text.
	if json.Valid(payload) {
		fp.Payload = json.RawMessage(payload)
	} else {
		fp.PayloadText = string(payload)
	}
	return fp
}
