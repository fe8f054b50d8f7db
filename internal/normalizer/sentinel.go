package normalizer

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// SentinelParser handles Microsoft Sentinel SecurityAlert records, either a
// single alert object or a collection under "alerts" or "value".
type SentinelParser struct{}

// Supports reports whether the parser handles sourceType.
func (SentinelParser) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceSentinel
}

// Parse maps Sentinel alerts.
func (SentinelParser) Parse(body []byte, opts Options) ([]models.Alert, error) {
	decoded, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	var rows []record
	if obj, ok := decoded.(map[string]any); ok {
		switch {
		case obj["alerts"] != nil:
			rows = asRecords(obj["alerts"])
		case obj["value"] != nil:
			rows = asRecords(obj["value"])
		default:
			rows = []record{obj}
		}
	} else {
		rows = asRecords(decoded)
	}
	if rows == nil {
		return nil, fmt.Errorf("%w: sentinel payload must be an object or array", ErrParseFailed)
	}

	sev := severityTable(opts)
	alerts := make([]models.Alert, 0, len(rows))
	for _, row := range rows {
		detected, _ := row.timeAt("TimeGenerated", "StartTimeUtc", "StartTime", "TimeCreated")
		tactics := row.strs("Tactics")

		d := draft{
			id:          row.str("SystemAlertId", "AlertId", "id", "name"),
			title:       row.str("AlertDisplayName", "DisplayName", "AlertName", "Title"),
			description: row.str("Description"),
			severity:    sev.Map(models.SourceSentinel, row.raw("Severity", "AlertSeverity")),
			detectedAt:  detected,
			techniques:  techniques(nil, row.strs("Techniques")...),
			metadata: map[string]string{
				models.MetaRuleID:   row.str("AlertType", "AnalyticRuleIds"),
				models.MetaRuleName: row.str("AlertName", "AlertDisplayName"),
				models.MetaCategory: strings.Join(tactics, ","),
				models.MetaHost:     row.str("CompromisedEntity"),
				models.MetaLink:     row.str("AlertLink"),
				"product":           row.str("ProductName"),
				"workspace_id":      row.str("WorkspaceId"),
				"tenant_id":         row.str("TenantId"),
			},
		}

		a, err := finish(models.SourceSentinel, row, d, opts)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
