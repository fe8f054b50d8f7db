// Package normalizer detects the vendor format of an alert payload and maps
// vendor records onto the canonical models.Alert.
//
// Parsers are pure: the same body always yields the same alerts (ids for
// records without a vendor id are derived from the record content), and no
// parser performs I/O. Every parser runs the indicator extractor over the
// individual vendor record and keeps that record as the alert's raw payload.
package normalizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/threatlink/internal/models"
)

var (
	// ErrUnrecognizedFormat means no detector heuristic matched, or no parser
	// is registered for the requested source type.
	ErrUnrecognizedFormat = errors.New("unrecognized alert format")
	// ErrParseFailed means the payload matched a format but could not be
	// mapped to alerts.
	ErrParseFailed = errors.New("alert parse failed")
)

// Parser maps one vendor's payload onto canonical alerts.
type Parser interface {
	Parse(body []byte, opts Options) ([]models.Alert, error)
	Supports(sourceType models.SourceType) bool
}

// Options carries the inputs a parser needs beyond the body.
type Options struct {
	// Now stamps CreatedAt/UpdatedAt and stands in for a missing vendor time.
	Now time.Time
	// Severity maps vendor severity vocabularies.
	Severity *SeverityTable
}

// Registry holds ordered parsers and dispatches to the first that supports a
// source type.
type Registry struct {
	items    []Parser
	severity *SeverityTable
	now      func() time.Time
}

// NewRegistry constructs a registry with the provided parsers.
func NewRegistry(items ...Parser) *Registry {
	return &Registry{
		items:    items,
		severity: DefaultSeverityTable(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DefaultRegistry returns a registry with every built-in vendor parser.
func DefaultRegistry() *Registry {
	return NewRegistry(
		SplunkParser{},
		SentinelParser{},
		QRadarParser{},
		ElasticParser{},
		GenericParser{},
	)
}

// WithSeverityTable replaces the severity table.
func (r *Registry) WithSeverityTable(t *SeverityTable) *Registry {
	r.severity = t
	return r
}

// WithClock replaces the time source; tests use it for stable timestamps.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Find returns the first parser supporting sourceType, or nil.
func (r *Registry) Find(sourceType models.SourceType) Parser {
	if r == nil {
		return nil
	}
	for _, p := range r.items {
		if p.Supports(sourceType) {
			return p
		}
	}
	return nil
}

// Parse maps body as sourceType. A payload yielding zero alerts is a parse
// failure.
func (r *Registry) Parse(sourceType models.SourceType, body []byte) ([]models.Alert, error) {
	p := r.Find(sourceType)
	if p == nil {
		return nil, fmt.Errorf("%w: no parser for source type %q", ErrUnrecognizedFormat, sourceType)
	}

	alerts, err := p.Parse(body, Options{Now: r.now(), Severity: r.severity})
	if err != nil {
		if errors.Is(err, ErrParseFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("%w: payload contained no alerts", ErrParseFailed)
	}
	return alerts, nil
}

var defaultRegistry = DefaultRegistry()

// Parse maps body with the built-in parsers.
func Parse(sourceType models.SourceType, body []byte) ([]models.Alert, error) {
	return defaultRegistry.Parse(sourceType, body)
}
