package normalizer

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// Detect classifies a webhook payload. Heuristics run in a fixed order and
// the first match wins: Splunk, Sentinel, QRadar, Elastic, then generic.
func Detect(headers http.Header, body []byte) (models.SourceType, bool) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", false
	}
	keys := collectKeys(decoded)
	vendor := strings.ToLower(headers.Get("X-Vendor"))

	switch {
	case isSplunk(headers, keys):
		return models.SourceSplunk, true
	case keys.any("workspaceid", "subscriptionid", "tenantid"):
		return models.SourceSentinel, true
	case keys.any("offense_id") || vendor == "qradar" || hasHeaderPrefix(headers, "X-Qradar"):
		return models.SourceQRadar, true
	case isElastic(headers, keys, vendor):
		return models.SourceElastic, true
	case keys.any("alert", "alerts", "event", "events", "incident", "incidents"):
		return models.SourceGeneric, true
	}
	return "", false
}

func isSplunk(headers http.Header, keys keySet) bool {
	if strings.Contains(headers.Get("User-Agent"), "Splunk") {
		return true
	}
	return keys.any("search_name", "sid")
}

func isElastic(headers http.Header, keys keySet, vendor string) bool {
	if vendor == "elastic" || headers.Get("X-Elastic-Product") != "" {
		return true
	}
	for k := range keys {
		if k == "kibana" || k == "elastic" ||
			strings.HasPrefix(k, "kibana.") || strings.HasPrefix(k, "elastic.") {
			return true
		}
	}
	return false
}

func hasHeaderPrefix(headers http.Header, prefix string) bool {
	prefix = http.CanonicalHeaderKey(prefix)
	for k := range headers {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

type keySet map[string]struct{}

func (s keySet) any(keys ...string) bool {
	for _, k := range keys {
		if _, ok := s[k]; ok {
			return true
		}
	}
	return false
}

// collectKeys gathers lowercased object keys from the top two levels of a
// document. For arrays only the first element is inspected.
func collectKeys(v any) keySet {
	keys := keySet{}
	var walk func(v any, depth int)
	walk = func(v any, depth int) {
		if depth > 2 {
			return
		}
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				keys[strings.ToLower(k)] = struct{}{}
				walk(child, depth+1)
			}
		case []any:
			if len(t) > 0 {
				walk(t[0], depth)
			}
		}
	}
	walk(v, 1)
	return keys
}
