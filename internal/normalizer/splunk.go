package normalizer

import (
	"fmt"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// SplunkParser handles Splunk alert-action webhooks ({"sid", "search_name",
// "result": {...}}), search API result sets ({"results": [...]}) and bare
// arrays of result rows.
type SplunkParser struct{}

// Supports reports whether the parser handles sourceType.
func (SplunkParser) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceSplunk
}

// Parse maps Splunk results to alerts.
func (SplunkParser) Parse(body []byte, opts Options) ([]models.Alert, error) {
	decoded, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}

	var (
		envelope record
		rows     []record
	)
	switch t := decoded.(type) {
	case map[string]any:
		envelope = t
		switch {
		case t["result"] != nil:
			rows = asRecords(t["result"])
		case t["results"] != nil:
			rows = asRecords(t["results"])
		default:
			rows = []record{t}
		}
	case []any:
		envelope = record{}
		rows = asRecords(t)
	default:
		return nil, fmt.Errorf("%w: splunk payload must be an object or array", ErrParseFailed)
	}

	sid := envelope.str("sid")
	searchName := envelope.str("search_name")
	sev := severityTable(opts)

	alerts := make([]models.Alert, 0, len(rows))
	for i, row := range rows {
		id := row.str("event_id", "rule_id_instance", "_cd")
		if id == "" && sid != "" {
			id = sid
			if len(rows) > 1 {
				id = fmt.Sprintf("%s:%d", sid, i)
			}
		}

		title := row.str("rule_title", "rule_name", "search_name", "signature")
		if title == "" {
			title = searchName
		}
		detected, _ := row.timeAt("_time", "orig_time", "time")

		d := draft{
			id:          id,
			title:       title,
			description: row.str("description", "rule_description", "_raw"),
			severity:    sev.Map(models.SourceSplunk, row.raw("urgency", "severity", "priority")),
			detectedAt:  detected,
			techniques: techniques(nil, append(row.strs("annotations.mitre_attack"),
				row.strs("mitre_technique_id")...)...),
			metadata: map[string]string{
				models.MetaRuleID:   row.str("rule_id", "savedsearch_name"),
				models.MetaRuleName: firstNonEmpty(searchName, row.str("search_name")),
				models.MetaHost:     row.str("host", "dest_host", "dvc"),
				models.MetaUser:     row.str("user", "src_user"),
				models.MetaProcess:  row.str("process", "process_name"),
				models.MetaSrcIP:    row.str("src", "src_ip"),
				models.MetaDestIP:   row.str("dest", "dest_ip"),
				models.MetaLink:     envelope.str("results_link"),
				"sid":               sid,
				"app":               envelope.str("app"),
			},
		}

		// The envelope's identity fields travel with each row so the raw
		// record is self-describing.
		rec := row
		if sid != "" || searchName != "" {
			rec = cloneRecord(row)
			if sid != "" {
				rec["sid"] = sid
			}
			if searchName != "" {
				rec["search_name"] = searchName
			}
		}

		a, err := finish(models.SourceSplunk, rec, d, opts)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func cloneRecord(r record) record {
	out := make(record, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
