package normalizer

import (
	"fmt"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// ElasticParser handles Kibana security alerts in flattened
// ("kibana.alert.rule.name") or nested form, singly, as an array, or under
// "alerts".
type ElasticParser struct{}

// Supports reports whether the parser handles sourceType.
func (ElasticParser) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceElastic
}

// Parse maps Kibana alerts.
func (ElasticParser) Parse(body []byte, opts Options) ([]models.Alert, error) {
	decoded, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	var rows []record
	if obj, ok := decoded.(map[string]any); ok && obj["alerts"] != nil {
		rows = asRecords(obj["alerts"])
	} else {
		rows = asRecords(decoded)
	}
	if rows == nil {
		return nil, fmt.Errorf("%w: elastic payload must be an object or array", ErrParseFailed)
	}

	sev := severityTable(opts)
	alerts := make([]models.Alert, 0, len(rows))
	for _, row := range rows {
		severity := row.raw("kibana.alert.severity", "signal.rule.severity", "rule.severity")
		if severity == nil {
			severity = row.raw("kibana.alert.risk_score", "signal.rule.risk_score")
		}
		detected, _ := row.timeAt("kibana.alert.original_time", "@timestamp", "kibana.alert.start")

		d := draft{
			id:          row.str("kibana.alert.uuid", "_id", "id"),
			title:       row.str("kibana.alert.rule.name", "rule.name", "signal.rule.name"),
			description: row.str("kibana.alert.reason", "kibana.alert.rule.description", "rule.description", "message"),
			severity:    sev.Map(models.SourceElastic, severity),
			detectedAt:  detected,
			techniques:  techniques(nil, elasticTechniques(row)...),
			metadata: map[string]string{
				models.MetaRuleID:   row.str("kibana.alert.rule.uuid", "kibana.alert.rule.rule_id", "rule.id"),
				models.MetaRuleName: row.str("kibana.alert.rule.name", "rule.name"),
				models.MetaCategory: row.str("kibana.alert.rule.category", "event.category"),
				models.MetaHost:     row.str("host.name", "host.hostname"),
				models.MetaUser:     row.str("user.name"),
				models.MetaProcess:  row.str("process.name", "process.executable"),
				models.MetaSrcIP:    row.str("source.ip"),
				models.MetaDestIP:   row.str("destination.ip"),
			},
		}

		a, err := finish(models.SourceElastic, row, d, opts)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// elasticTechniques walks rule.threat[].technique[] (and subtechniques).
func elasticTechniques(row record) []string {
	threats, _ := row.raw("kibana.alert.rule.threat", "rule.threat", "signal.rule.threat").([]any)
	var out []string
	for _, t := range threats {
		threat, ok := t.(map[string]any)
		if !ok {
			continue
		}
		techs, _ := threat["technique"].([]any)
		for _, tech := range techs {
			tm, ok := tech.(map[string]any)
			if !ok {
				continue
			}
			if id := scalarString(tm["id"]); id != "" {
				out = append(out, id)
			}
			subs, _ := tm["subtechnique"].([]any)
			for _, s := range subs {
				if sm, ok := s.(map[string]any); ok {
					if id := scalarString(sm["id"]); id != "" {
						out = append(out, id)
					}
				}
			}
		}
	}
	return out
}
