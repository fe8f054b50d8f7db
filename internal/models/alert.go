package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity is the canonical four-level alert severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared (low=1 .. critical=4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps a canonical severity name; anything else is low.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus tracks analyst handling of an alert.
type AlertStatus string

const (
	AlertStatusNew        AlertStatus = "new"
	AlertStatusInProgress AlertStatus = "in_progress"
	AlertStatusResolved   AlertStatus = "resolved"
	AlertStatusClosed     AlertStatus = "closed"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:        {AlertStatusInProgress, AlertStatusResolved, AlertStatusClosed},
	AlertStatusInProgress: {AlertStatusResolved, AlertStatusClosed, AlertStatusNew},
	AlertStatusResolved:   {AlertStatusClosed, AlertStatusInProgress},
	AlertStatusClosed:     {AlertStatusInProgress},
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	_, ok := alertTransitions[s]
	return ok
}

// CanTransition reports whether an alert in status s may move to next.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IndicatorType classifies an indicator of compromise.
type IndicatorType string

const (
	IndicatorIP     IndicatorType = "ip"
	IndicatorDomain IndicatorType = "domain"
	IndicatorHash   IndicatorType = "hash"
	IndicatorURL    IndicatorType = "url"
)

// IndicatorContextAsset marks an ip, domain or url that names the alerting
// asset itself (the host a detection fired on) rather than an adversary
// observable.
const IndicatorContextAsset = "asset"

// Indicator is an observable extracted from an alert payload.
type Indicator struct {
	Type    IndicatorType `json:"type"`
	Value   string        `json:"value"`
	Context string        `json:"context,omitempty"`
}

// SourceType identifies the vendor format an alert arrived in.
type SourceType string

const (
	SourceSplunk   SourceType = "splunk"
	SourceSentinel SourceType = "sentinel"
	SourceQRadar   SourceType = "qradar"
	SourceElastic  SourceType = "elastic"
	SourceGeneric  SourceType = "generic"
)

// Alert is the canonical, vendor-neutral alert record.
type Alert struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	SourceType  SourceType        `json:"source_type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Severity    Severity          `json:"severity"`
	Status      AlertStatus       `json:"status"`
	Indicators  []Indicator       `json:"indicators"`
	Techniques  []string          `json:"techniques,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	DetectedAt  time.Time         `json:"detected_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Raw         json.RawMessage   `json:"raw,omitempty"`
}

// Key is the store-wide identity of an alert; ids are only unique per source.
func (a *Alert) Key() string {
	return AlertKey(a.Source, a.ID)
}

// AlertKey builds the key for an alert id from source.
func AlertKey(source, id string) string {
	return source + ":" + id
}

// IndicatorValues returns "type:value" strings for set comparisons.
func (a *Alert) IndicatorValues() []string {
	out := make([]string, 0, len(a.Indicators))
	for _, ind := range a.Indicators {
		out = append(out, string(ind.Type)+":"+strings.ToLower(ind.Value))
	}
	return out
}

// Normalize enforces the alert invariants (non-nil indicators, default status).
func (a *Alert) Normalize() {
	if a.Indicators == nil {
		a.Indicators = []Indicator{}
	}
	if a.Status == "" {
		a.Status = AlertStatusNew
	}
	if a.Severity == "" {
		a.Severity = SeverityLow
	}
	if a.Metadata == nil {
		a.Metadata = map[string]string{}
	}
}

// Well-known metadata keys filled by the normalizer.
const (
	MetaRuleID   = "rule_id"
	MetaRuleName = "rule_name"
	MetaCategory = "category"
	MetaHost     = "host"
	MetaUser     = "user"
	MetaProcess  = "process"
	MetaSrcIP    = "src_ip"
	MetaDestIP   = "dest_ip"
	MetaLink     = "link"
)

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Since  time.Time
	Until  time.Time
	Source string
	Offset int
	Limit  int
}
