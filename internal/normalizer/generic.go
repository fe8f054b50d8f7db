package normalizer

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// GenericParser handles payloads that wrap alerts under alert/event/incident
// keys (singular object, plural array, or a string title on the envelope).
type GenericParser struct{}

var genericKeys = []string{"alert", "alerts", "event", "events", "incident", "incidents"}

// Supports reports whether the parser handles sourceType.
func (GenericParser) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceGeneric
}

// Parse maps generic alerts.
func (GenericParser) Parse(body []byte, opts Options) ([]models.Alert, error) {
	decoded, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	var rows []record
	switch t := decoded.(type) {
	case map[string]any:
		rows = genericRows(t)
	case []any:
		for _, item := range asRecords(t) {
			rows = append(rows, genericRows(item)...)
		}
	default:
		return nil, fmt.Errorf("%w: generic payload must be an object or array", ErrParseFailed)
	}

	sev := severityTable(opts)
	alerts := make([]models.Alert, 0, len(rows))
	for _, row := range rows {
		detected, _ := row.timeAt("detected_at", "timestamp", "time", "@timestamp", "created_at", "date")

		d := draft{
			id:          row.str("id", "alert_id", "event_id", "incident_id", "uuid"),
			title:       row.str("title", "name", "summary", "rule", "alert"),
			description: row.str("description", "message", "details"),
			severity:    sev.Map(models.SourceGeneric, row.raw("severity", "priority", "level")),
			detectedAt:  detected,
			techniques: techniques(nil, append(row.strs("techniques"),
				append(row.strs("mitre"), row.strs("tactics")...)...)...),
			metadata: map[string]string{
				models.MetaRuleID:   row.str("rule_id", "rule.id"),
				models.MetaRuleName: row.str("rule_name", "rule.name"),
				models.MetaCategory: strings.Join(row.strs("category"), ","),
				models.MetaHost:     row.str("host", "hostname", "host.name"),
				models.MetaUser:     row.str("user", "username", "user.name"),
				models.MetaProcess:  row.str("process", "process.name"),
				models.MetaSrcIP:    row.str("source_ip", "src_ip", "src"),
				models.MetaDestIP:   row.str("dest_ip", "destination_ip", "dest"),
			},
		}

		a, err := finish(models.SourceGeneric, row, d, opts)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// genericRows unwraps the first alert/event/incident key of obj. A string
// value there means obj itself is the record.
func genericRows(obj record) []record {
	for _, k := range genericKeys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			return asRecords(v)
		default:
			return []record{obj}
		}
	}
	return []record{obj}
}
