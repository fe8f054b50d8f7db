package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/config"
	"github.com/telhawk-systems/threatlink/internal/dlq"
	"github.com/telhawk-systems/threatlink/internal/gateway"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/seeder"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const memoryConfig = `
database:
  type: memory
schedule:
  enabled: false
logging:
  level: error
  format: text
webhooks:
  - name: generic
`

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "analyze", "campaigns", "alerts", "connectors", "webhook", "seed", "dlq"} {
		assert.Contains(t, names, want)
	}
}

func TestCampaignsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/campaigns", r.URL.Path)
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]any{"campaigns": []models.Campaign{{
			ID:              "c-1",
			Name:            "Campaign 198.51.100.7",
			Status:          models.CampaignActive,
			Severity:        models.SeverityHigh,
			ConfidenceScore: 0.82,
			Members:         []string{"a:1", "a:2", "a:3"},
			UpdatedAt:       time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		}}})
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "campaigns", "list", "--status", "active")
	require.NoError(t, err)
	assert.Contains(t, out, "c-1")
	assert.Contains(t, out, "0.82")
	assert.Contains(t, out, "2026-01-02 03:04")

	out, err = execute(t, "--server", srv.URL, "-o", "json", "campaigns", "list", "--status", "active")
	require.NoError(t, err)
	var got []models.Campaign
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "c-1", got[0].ID)
}

func TestCampaignsShow_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "campaign not found", "code": "not_found"})
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "campaigns", "show", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "campaign not found")
}

func TestWebhookSend(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(models.DefaultSignatureHeader))
		_ = json.NewEncoder(w).Encode(gateway.Result{Success: true, AlertsProcessed: 1, SourceType: "generic"})
	}))
	defer srv.Close()

	payload := filepath.Join(t.TempDir(), "alert.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"id":"1","title":"x"}`), 0o600))

	out, err := execute(t, "webhook", "send", "--url", srv.URL, "--secret", "s3cret", "-f", payload)
	require.NoError(t, err)
	assert.Contains(t, out, "1 alerts accepted")
	assert.NotEmpty(t, sig.Load())
}

func TestWebhookSend_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(gateway.Result{Kind: gateway.KindSignatureInvalid, Message: "invalid signature"})
	}))
	defer srv.Close()

	payload := filepath.Join(t.TempDir(), "alert.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{}`), 0o600))

	_, err := execute(t, "webhook", "send", "--url", srv.URL, "-f", payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestWebhookSend_RequiresURL(t *testing.T) {
	_, err := execute(t, "webhook", "send")
	require.Error(t, err)
}

func TestSeed_ModeFlags(t *testing.T) {
	_, err := execute(t, "seed")
	require.Error(t, err)
	_, err = execute(t, "seed", "--direct", "--url", "http://localhost:1")
	require.Error(t, err)
}

func TestSeed_Webhook(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := strings.Count(string(body), `"detected_at"`)
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(gateway.Result{Kind: gateway.KindSinkFailed, Message: "down"})
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.Result{Success: true, AlertsProcessed: n})
	}))
	defer srv.Close()

	out, err := execute(t, "-o", "json", "seed", "--url", srv.URL,
		"--count", "10", "--campaigns", "0", "--batch-size", "4", "--seed", "7")
	require.NoError(t, err)

	var sum seeder.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, seeder.Summary{Generated: 10, Ingested: 6, Failed: 4, Batches: 3}, sum)
}

func TestSeed_Direct(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := execute(t, "--config", cfg, "-o", "json", "seed", "--direct",
		"--count", "20", "--campaigns", "2", "--campaign-size", "4", "--seed", "42")
	require.NoError(t, err)

	var sum seeder.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 28, sum.Generated)
	assert.Equal(t, 28, sum.Ingested)
	assert.Zero(t, sum.Failed)
}

func TestDLQ_FileBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, fmt.Sprintf(`
dlq:
  enabled: true
  backend: file
  base_path: %s
logging:
  level: error
`, dir))

	q, err := dlq.NewFileQueue(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Write(ctx, "crowdstrike", []byte(`{"bad":`), nil, errors.New("unexpected EOF"), "parse_failed"))
	require.NoError(t, q.Write(ctx, "generic", []byte(`[]`), nil, errors.New("store down"), "sink_failed"))

	out, err := execute(t, "--config", cfg, "-o", "json", "dlq", "list")
	require.NoError(t, err)
	var items []dlq.FailedPayload
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "crowdstrike", items[0].Origin)
	assert.Equal(t, "parse_failed", items[0].Reason)

	out, err = execute(t, "--config", cfg, "dlq", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "FIELD")

	_, err = execute(t, "--config", cfg, "dlq", "purge")
	require.Error(t, err)

	_, err = execute(t, "--config", cfg, "dlq", "purge", "--yes")
	require.NoError(t, err)
	items, err = q.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDLQ_Disabled(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  level: error\n")
	_, err := execute(t, "--config", cfg, "dlq", "list")
	require.ErrorIs(t, err, dlq.ErrDisabled)
}

func TestDaemon_ServesWebhooksAndAPI(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, memoryConfig))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := newDaemon(ctx, cfg, nil)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + l.Addr().String()

	done := make(chan error, 1)
	go func() { done <- d.run(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body, err := seeder.Payload(seeder.NewGenerator(seeder.Config{Count: 5, Seed: 1, Spread: time.Hour}).Records())
	require.NoError(t, err)
	resp, err := http.Post(base+"/webhooks/generic", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var res gateway.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, res.AlertsProcessed)

	out, err := execute(t, "--server", base, "-o", "json", "campaigns", "list")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
