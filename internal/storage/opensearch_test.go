package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/models"
)

// fakeCluster answers the handful of OpenSearch endpoints the archive uses.
type fakeCluster struct {
	mu       sync.Mutex
	requests []string
	docs     map[string]map[string]any
	rejectID string
	hasAlias bool
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		fmt.Fprint(w, `{"version":{"number":"2.11.0","distribution":"opensearch"}}`)
	case r.Method == http.MethodHead && r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if f.hasAlias {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		f.bulk(w, r)
	default:
		fmt.Fprint(w, `{"acknowledged":true}`)
	}
}

func (f *fakeCluster) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeCluster) doc(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *fakeCluster) bulk(w http.ResponseWriter, r *http.Request) {
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	var items []map[string]any
	hasErrors := false
	for sc.Scan() {
		var action map[string]map[string]any
		if err := json.Unmarshal(sc.Bytes(), &action); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !sc.Scan() {
			break
		}
		var doc map[string]any
		_ = json.Unmarshal(sc.Bytes(), &doc)

		id, _ := action["index"]["_id"].(string)
		if id == f.rejectID {
			hasErrors = true
			items = append(items, map[string]any{"index": map[string]any{
				"_id": id, "status": 400,
				"error": map[string]any{"type": "mapper_parsing_exception", "reason": "bad field"},
			}})
			continue
		}
		f.mu.Lock()
		f.docs[id] = doc
		f.mu.Unlock()
		items = append(items, map[string]any{"index": map[string]any{"_id": id, "status": 201, "result": "created"}})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

func newTestArchive(t *testing.T, cluster *fakeCluster) *Archive {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.FlushInterval = time.Hour
	a, err := NewArchive(cfg, nil)
	require.NoError(t, err)
	return a
}

func sampleAlerts() []models.Alert {
	at := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	var out []models.Alert
	for _, id := range []string{"1", "2", "3"} {
		a := models.Alert{
			ID: id, Source: "soc", SourceType: models.SourceSplunk, Title: "t" + id,
			Severity: models.SeverityHigh, DetectedAt: at, CreatedAt: at,
			Raw: json.RawMessage(`{"sid":"` + id + `"}`),
		}
		a.Normalize()
		out = append(out, a)
	}
	return out
}

func TestArchive_Initialize(t *testing.T) {
	cluster := &fakeCluster{docs: map[string]map[string]any{}}
	a := newTestArchive(t, cluster)

	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Initialize(context.Background()), "second call is a no-op")

	assert.Contains(t, cluster.seen(), "PUT /_index_template/threatlink-alerts-template")
	assert.Contains(t, cluster.seen(), "PUT /_plugins/_ism/policies/threatlink-alerts-policy")
	assert.Contains(t, cluster.seen(), "PUT /threatlink-alerts-000001")
	assert.Equal(t, 1, count(cluster.seen(), "GET /"))
}

func TestArchive_InitializeExistingAlias(t *testing.T) {
	cluster := &fakeCluster{docs: map[string]map[string]any{}, hasAlias: true}
	a := newTestArchive(t, cluster)

	require.NoError(t, a.Initialize(context.Background()))
	assert.NotContains(t, cluster.seen(), "PUT /threatlink-alerts-000001")
}

func TestArchive_IndexesByAlertKey(t *testing.T) {
	cluster := &fakeCluster{docs: map[string]map[string]any{}}
	a := newTestArchive(t, cluster)

	res, err := a.Archive(context.Background(), sampleAlerts())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	assert.Zero(t, res.Failed)

	doc := cluster.doc("soc:2")
	require.NotNil(t, doc)
	assert.Equal(t, "t2", doc["title"])
	assert.Equal(t, "2026-02-02T02:02:02Z", doc["@timestamp"])
	assert.Equal(t, map[string]any{"sid": "2"}, doc["raw"])
	assert.Contains(t, cluster.seen(), "POST /threatlink-alerts-write/_bulk")
}

func TestArchive_PartialFailure(t *testing.T) {
	cluster := &fakeCluster{docs: map[string]map[string]any{}, rejectID: "soc:3"}
	a := newTestArchive(t, cluster)

	res, err := a.Archive(context.Background(), sampleAlerts())
	require.Error(t, err)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "mapper_parsing_exception")
}

func TestArchive_Empty(t *testing.T) {
	cluster := &fakeCluster{docs: map[string]map[string]any{}}
	a := newTestArchive(t, cluster)

	res, err := a.Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Indexed)
	assert.Empty(t, cluster.seen())
}

func count(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}
