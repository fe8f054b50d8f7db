package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// SeverityTable collapses vendor severity vocabularies onto the four-level
// canonical scale. Unknown values map to low.
type SeverityTable struct {
	names   map[models.SourceType]map[string]models.Severity
	common  map[string]models.Severity
	numeric map[models.SourceType]func(float64) models.Severity
}

// DefaultSeverityTable returns the built-in vendor mappings.
func DefaultSeverityTable() *SeverityTable {
	return &SeverityTable{
		common: map[string]models.Severity{
			"informational": models.SeverityLow,
			"information":   models.SeverityLow,
			"info":          models.SeverityLow,
			"low":           models.SeverityLow,
			"minor":         models.SeverityLow,
			"medium":        models.SeverityMedium,
			"med":           models.SeverityMedium,
			"moderate":      models.SeverityMedium,
			"warning":       models.SeverityMedium,
			"warn":          models.SeverityMedium,
			"high":          models.SeverityHigh,
			"major":         models.SeverityHigh,
			"severe":        models.SeverityHigh,
			"error":         models.SeverityHigh,
			"critical":      models.SeverityCritical,
			"crit":          models.SeverityCritical,
			"emergency":     models.SeverityCritical,
			"fatal":         models.SeverityCritical,
			"very high":     models.SeverityCritical,
		},
		names: map[models.SourceType]map[string]models.Severity{
			// Splunk ES urgency values.
			models.SourceSplunk: {
				"informational": models.SeverityLow,
				"low":           models.SeverityLow,
				"medium":        models.SeverityMedium,
				"high":          models.SeverityHigh,
				"critical":      models.SeverityCritical,
			},
			// Sentinel has no critical level.
			models.SourceSentinel: {
				"informational": models.SeverityLow,
				"low":           models.SeverityLow,
				"medium":        models.SeverityMedium,
				"high":          models.SeverityHigh,
			},
		},
		numeric: map[models.SourceType]func(float64) models.Severity{
			models.SourceQRadar:  magnitudeScale,
			models.SourceSplunk:  magnitudeScale,
			models.SourceElastic: riskScoreScale,
		},
	}
}

// magnitudeScale maps QRadar-style 1..10 magnitudes.
func magnitudeScale(v float64) models.Severity {
	switch {
	case v >= 9:
		return models.SeverityCritical
	case v >= 7:
		return models.SeverityHigh
	case v >= 4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// riskScoreScale maps Elastic 0..100 risk scores using Kibana's own bands.
func riskScoreScale(v float64) models.Severity {
	switch {
	case v >= 74:
		return models.SeverityCritical
	case v >= 48:
		return models.SeverityHigh
	case v >= 22:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Map converts a raw vendor severity (string or number) for sourceType.
func (t *SeverityTable) Map(sourceType models.SourceType, raw any) models.Severity {
	switch v := raw.(type) {
	case nil:
		return models.SeverityLow
	case string:
		return t.mapString(sourceType, v)
	case float64:
		return t.mapNumber(sourceType, v)
	case int:
		return t.mapNumber(sourceType, float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return t.mapNumber(sourceType, f)
		}
	}
	return models.SeverityLow
}

func (t *SeverityTable) mapString(sourceType models.SourceType, s string) models.Severity {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return models.SeverityLow
	}
	if vendor, ok := t.names[sourceType]; ok {
		if sev, ok := vendor[key]; ok {
			return sev
		}
	}
	if sev, ok := t.common[key]; ok {
		return sev
	}
	if f, err := strconv.ParseFloat(key, 64); err == nil {
		return t.mapNumber(sourceType, f)
	}
	return models.SeverityLow
}

func (t *SeverityTable) mapNumber(sourceType models.SourceType, v float64) models.Severity {
	if fn, ok := t.numeric[sourceType]; ok {
		return fn(v)
	}
	if v > 10 {
		return riskScoreScale(v)
	}
	return magnitudeScale(v)
}
