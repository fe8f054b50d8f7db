package normalizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/threatlink/internal/ioc"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// alertNamespace seeds name-based ids for records that carry no vendor id.
var alertNamespace = uuid.MustParse("6f1c2b9e-4c1a-4d2e-9a57-2b1f0c8e7d41")

var techniquePattern = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)

type record map[string]any

func decodeJSON(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrParseFailed, err)
	}
	return v, nil
}

// asRecords turns v into records: an object is one record, an array yields
// its object elements.
func asRecords(v any) []record {
	switch t := v.(type) {
	case map[string]any:
		return []record{t}
	case []any:
		out := make([]record, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// lookup resolves a dotted path against both flattened keys
// ("kibana.alert.rule.name") and nested objects, or any mix of the two.
func (r record) lookup(path string) (any, bool) {
	if v, ok := r[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	for i := len(parts) - 1; i >= 1; i-- {
		prefix := strings.Join(parts[:i], ".")
		if sub, ok := r[prefix].(map[string]any); ok {
			if v, ok := record(sub).lookup(strings.Join(parts[i:], ".")); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// str returns the first non-empty scalar at any of paths, rendered as text.
func (r record) str(paths ...string) string {
	for _, p := range paths {
		v, ok := r.lookup(p)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

// raw returns the first value present at any of paths.
func (r record) raw(paths ...string) any {
	for _, p := range paths {
		if v, ok := r.lookup(p); ok && v != nil {
			return v
		}
	}
	return nil
}

// strs returns string values at path, accepting an array or a comma
// separated string.
func (r record) strs(path string) []string {
	v, ok := r.lookup(path)
	if !ok {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
	default:
		for _, part := range strings.Split(scalarString(t), ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	}
	return ""
}

// timeAt parses the first timestamp found at paths. Strings may be RFC 3339
// or epoch seconds; numbers above 1e12 are epoch milliseconds.
func (r record) timeAt(paths ...string) (time.Time, bool) {
	for _, p := range paths {
		v, ok := r.lookup(p)
		if !ok {
			continue
		}
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return epoch(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f), true
		}
	}
	return time.Time{}, false
}

func epoch(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

// techniques collects MITRE technique ids from explicit values and from any
// T-id mentioned in the record text, deduplicated and sorted.
func techniques(raw []byte, explicit ...string) []string {
	seen := map[string]struct{}{}
	for _, e := range explicit {
		for _, m := range techniquePattern.FindAllString(e, -1) {
			seen[m] = struct{}{}
		}
	}
	for _, m := range techniquePattern.FindAllString(string(raw), -1) {
		seen[m] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// draft is what a vendor parser fills in before finish builds the alert.
type draft struct {
	id          string
	title       string
	description string
	severity    models.Severity
	detectedAt  time.Time
	techniques  []string
	metadata    map[string]string
}

// finish builds the canonical alert for rec.
func finish(st models.SourceType, rec record, d draft, opts Options) (models.Alert, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return models.Alert{}, fmt.Errorf("%w: re-encode record: %v", ErrParseFailed, err)
	}

	id := d.id
	if id == "" {
		id = uuid.NewSHA1(alertNamespace, append([]byte(string(st)+":"), raw...)).String()
	}
	title := d.title
	if title == "" {
		title = fmt.Sprintf("%s alert %s", st, id)
	}
	detected := d.detectedAt
	if detected.IsZero() {
		detected = opts.Now
	}

	meta := make(map[string]string, len(d.metadata))
	for k, v := range d.metadata {
		if v != "" {
			meta[k] = v
		}
	}

	a := models.Alert{
		ID:          id,
		Source:      string(st),
		SourceType:  st,
		Title:       title,
		Description: d.description,
		Severity:    d.severity,
		Status:      models.AlertStatusNew,
		Indicators:  ioc.ExtractJSON(raw),
		Techniques:  techniques([]byte(title+" "+d.description), d.techniques...),
		CreatedAt:   opts.Now,
		UpdatedAt:   opts.Now,
		DetectedAt:  detected,
		Metadata:    meta,
		Raw:         raw,
	}
	a.Normalize()
	return a, nil
}

func severityTable(opts Options) *SeverityTable {
	if opts.Severity != nil {
		return opts.Severity
	}
	return DefaultSeverityTable()
}
