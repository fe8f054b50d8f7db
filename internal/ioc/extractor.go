// Package ioc extracts indicators of compromise from alert payloads.
//
// Every ingestion path (webhooks and pull connectors) runs the same extractor
// so an indicator means the same thing regardless of where the alert came from.
package ioc

import (
	"encoding/json"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// Patterns are compiled once; all are RE2 and therefore linear time.
var (
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlPattern    = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>()\[\]{}\\]+`)
	hashPattern   = regexp.MustCompile(`\b(?:[a-fA-F0-9]{64}|[a-fA-F0-9]{40}|[a-fA-F0-9]{32})\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,63}\b`)
)

// fileExtensions look like TLDs but are almost always file names in alert text.
var fileExtensions = map[string]struct{}{
	"exe": {}, "dll": {}, "sys": {}, "bat": {}, "cmd": {}, "ps1": {}, "psm1": {}, "vbs": {},
	"js": {}, "jar": {}, "sh": {}, "py": {}, "pl": {}, "php": {}, "asp": {}, "aspx": {},
	"jsp": {}, "htm": {}, "html": {}, "pdf": {}, "doc": {}, "docx": {}, "docm": {},
	"xls": {}, "xlsx": {}, "xlsm": {}, "ppt": {}, "pptx": {}, "rtf": {}, "txt": {},
	"log": {}, "tmp": {}, "bin": {}, "dat": {}, "zip": {}, "rar": {}, "gz": {}, "tgz": {},
	"7z": {}, "iso": {}, "img": {}, "lnk": {}, "msi": {}, "json": {}, "yaml": {}, "yml": {},
	"xml": {}, "csv": {}, "conf": {}, "cfg": {}, "ini": {}, "png": {}, "jpg": {}, "gif": {},
}

// Extract scans free text and returns deduplicated indicators ordered by
// type (ip, domain, hash, url) and then by first occurrence.
func Extract(text string) []models.Indicator {
	c := newCollector()
	c.scan(text, "")
	return c.result()
}

// scan adds every indicator in text. context tags ips, domains and urls;
// hashes always carry their algorithm.
func (c *collector) scan(text, context string) {
	if text == "" {
		return
	}

	for _, loc := range ipv4Pattern.FindAllStringIndex(text, -1) {
		if dottedRun(text, loc[0], loc[1]) {
			continue
		}
		m := text[loc[0]:loc[1]]
		if ip := net.ParseIP(m); ip != nil && ip.To4() != nil {
			c.add(models.IndicatorIP, m, context)
		}
	}

	for _, m := range domainPattern.FindAllString(text, -1) {
		d := strings.ToLower(m)
		if isLikelyFilename(d) {
			continue
		}
		c.add(models.IndicatorDomain, d, context)
	}

	for _, m := range hashPattern.FindAllString(text, -1) {
		h := strings.ToLower(m)
		c.add(models.IndicatorHash, h, hashAlgorithm(h))
	}

	for _, m := range urlPattern.FindAllString(text, -1) {
		u := strings.TrimRight(m, ".,;:!?")
		c.add(models.IndicatorURL, u, context)
	}
}

// dottedRun reports whether the match at text[start:end] is part of a longer
// dotted number such as a version string ("1.2.3.4.5"). RE2 has no
// lookaround, so the neighbours are checked by hand.
func dottedRun(text string, start, end int) bool {
	if start >= 2 && text[start-1] == '.' && isDigit(text[start-2]) {
		return true
	}
	return end+1 < len(text) && text[end] == '.' && isDigit(text[end+1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ExtractFrom extracts indicators from an arbitrary payload. Structured values
// are walked so that only string leaves are scanned; object keys such as
// "kibana.alert.rule.name" are never reported as domains.
func ExtractFrom(v any) []models.Indicator {
	switch t := v.(type) {
	case nil:
		return []models.Indicator{}
	case string:
		return Extract(t)
	case []byte:
		return ExtractJSON(t)
	case json.RawMessage:
		return ExtractJSON(t)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return []models.Indicator{}
	}
	return ExtractJSON(data)
}

// ExtractJSON decodes data as JSON and scans its string values. Values under
// asset fields (see assetFields) are tagged models.IndicatorContextAsset
// unless the same value also appears elsewhere in the payload. Input that is
// not JSON is scanned as plain text.
func ExtractJSON(data []byte) []models.Indicator {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Extract(string(data))
	}

	var plain, asset strings.Builder
	collectStrings(decoded, "", &plain, &asset)
	c := newCollector()
	c.scan(plain.String(), "")
	c.scan(asset.String(), models.IndicatorContextAsset)
	return c.result()
}

// assetFields name the alerting host across the supported vendors. Keys are
// matched on their last one or two dotted segments, lowercased.
var assetFields = map[string]struct{}{
	"host": {}, "hostname": {}, "host_name": {}, "orig_host": {},
	"dest": {}, "dest_host": {}, "dest_ip": {}, "dest_nt_host": {},
	"dvc": {}, "dvc_host": {}, "dvc_ip": {},
	"computer": {}, "computername": {}, "devicename": {}, "device_name": {},
	"host.name": {}, "host.ip": {}, "host.hostname": {},
	"agent.name": {}, "agent.hostname": {}, "observer.hostname": {}, "observer.ip": {},
}

func isAssetField(path string) bool {
	if path == "" {
		return false
	}
	segs := strings.Split(strings.ToLower(path), ".")
	last := segs[len(segs)-1]
	if _, ok := assetFields[last]; ok {
		return true
	}
	if len(segs) >= 2 {
		_, ok := assetFields[segs[len(segs)-2]+"."+last]
		return ok
	}
	return false
}

func collectStrings(v any, path string, plain, asset *strings.Builder) {
	switch t := v.(type) {
	case string:
		sb := plain
		if isAssetField(path) {
			sb = asset
		}
		sb.WriteString(t)
		sb.WriteByte('\n')
	case []any:
		for _, item := range t {
			collectStrings(item, path, plain, asset)
		}
	case map[string]any:
		// Map iteration order is random; extraction output order must not be.
		for _, k := range sortedKeys(t) {
			child := k
			if path != "" {
				child = path + "." + k
			}
			collectStrings(t[k], child, plain, asset)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isLikelyFilename(d string) bool {
	idx := strings.LastIndexByte(d, '.')
	if idx < 0 {
		return false
	}
	_, ok := fileExtensions[d[idx+1:]]
	return ok
}

func hashAlgorithm(h string) string {
	switch len(h) {
	case 32:
		return "md5"
	case 40:
		return "sha1"
	case 64:
		return "sha256"
	default:
		return ""
	}
}

type collector struct {
	seen    map[string]struct{}
	buckets map[models.IndicatorType][]models.Indicator
}

func newCollector() *collector {
	return &collector{
		seen:    make(map[string]struct{}),
		buckets: make(map[models.IndicatorType][]models.Indicator),
	}
}

func (c *collector) add(t models.IndicatorType, value, context string) {
	if _, ok := c.seen[value]; ok {
		return
	}
	c.seen[value] = struct{}{}
	c.buckets[t] = append(c.buckets[t], models.Indicator{Type: t, Value: value, Context: context})
}

func (c *collector) result() []models.Indicator {
	out := make([]models.Indicator, 0, len(c.seen))
	for _, t := range []models.IndicatorType{
		models.IndicatorIP, models.IndicatorDomain, models.IndicatorHash, models.IndicatorURL,
	} {
		out = append(out, c.buckets[t]...)
	}
	return out
}
