package normalizer

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// QRadarParser handles IBM QRadar offenses: a single offense, an array of
// offenses, or {"offenses": [...]}.
type QRadarParser struct{}

// Supports reports whether the parser handles sourceType.
func (QRadarParser) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceQRadar
}

// Parse maps QRadar offenses. Magnitude takes precedence over severity, both
// on QRadar's 1..10 scale.
func (QRadarParser) Parse(body []byte, opts Options) ([]models.Alert, error) {
	decoded, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	var rows []record
	if obj, ok := decoded.(map[string]any); ok && obj["offenses"] != nil {
		rows = asRecords(obj["offenses"])
	} else {
		rows = asRecords(decoded)
	}
	if rows == nil {
		return nil, fmt.Errorf("%w: qradar payload must be an object or array", ErrParseFailed)
	}

	sev := severityTable(opts)
	alerts := make([]models.Alert, 0, len(rows))
	for _, row := range rows {
		id := row.str("offense_id", "id")
		if id == "" {
			return nil, fmt.Errorf("%w: qradar offense without offense_id", ErrParseFailed)
		}
		detected, _ := row.timeAt("start_time", "last_updated_time")
		categories := row.strs("categories")

		title := row.str("description", "offense_type_str", "offense_name")
		d := draft{
			id:          id,
			title:       strings.TrimSpace(strings.SplitN(title, "\n", 2)[0]),
			description: title,
			severity:    sev.Map(models.SourceQRadar, row.raw("magnitude", "severity")),
			detectedAt:  detected,
			techniques:  techniques(nil, row.strs("rules")...),
			metadata: map[string]string{
				models.MetaRuleID:   row.str("offense_type", "rule_id"),
				models.MetaCategory: strings.Join(categories, ","),
				models.MetaSrcIP:    row.str("offense_source"),
				"domain_id":         row.str("domain_id"),
				"event_count":       row.str("event_count"),
			},
		}

		a, err := finish(models.SourceQRadar, row, d, opts)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
