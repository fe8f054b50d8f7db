package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/config"
	"github.com/telhawk-systems/threatlink/internal/gateway"
	"github.com/telhawk-systems/threatlink/internal/handlers"
	"github.com/telhawk-systems/threatlink/internal/models"
)

type okProcessor struct{ name string }

func (p okProcessor) Config() models.WebhookConfig { return models.WebhookConfig{Name: p.name} }

func (p okProcessor) Process(context.Context, gateway.Request) gateway.Result {
	return gateway.Result{Success: true, AlertsProcessed: 1, Message: p.name}
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	h, err := NewRouter(Routes{
		Health: handlers.NewHealth(nil),
		Webhooks: []*handlers.WebhookHandler{
			handlers.NewWebhookHandler(okProcessor{"crowdstrike"}, false, 1024, nil),
			handlers.NewWebhookHandler(okProcessor{"sentinel"}, false, 1024, nil),
		},
		WebhookPaths: []string{"/webhooks/crowdstrike", "/webhooks/sentinel"},
	}, nil)
	require.NoError(t, err)
	return h
}

func TestRouter_Webhooks(t *testing.T) {
	router := newRouter(t)

	for _, name := range []string{"crowdstrike", "sentinel"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/"+name, strings.NewReader("{}")))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), name)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/unknown", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router := newRouter(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_RequestIDPropagates(t *testing.T) {
	router := newRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestNewRouter_Validation(t *testing.T) {
	wh := handlers.NewWebhookHandler(okProcessor{"a"}, false, 1024, nil)

	_, err := NewRouter(Routes{Webhooks: []*handlers.WebhookHandler{wh}}, nil)
	assert.Error(t, err)

	_, err = NewRouter(Routes{
		Webhooks:     []*handlers.WebhookHandler{wh, wh},
		WebhookPaths: []string{"/hook", "/hook"},
	}, nil)
	assert.ErrorContains(t, err, "duplicate webhook path")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(config.ServerConfig{ShutdownTimeout: time.Second}, newRouter(t), nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
