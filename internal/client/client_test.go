package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/common/httputil"
	"github.com/telhawk-systems/threatlink/common/signing"
	"github.com/telhawk-systems/threatlink/internal/gateway"
	"github.com/telhawk-systems/threatlink/internal/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:8088/")
	assert.Equal(t, "http://localhost:8088", c.baseURL)
	assert.Equal(t, 30*time.Second, c.client.Timeout)
}

func TestAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/analysis", r.URL.Path)
		var body struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a:1", "a:2"}, body.IDs)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"runId": "r1", "correlationsFound": 1, "averageScore": 0.8})
	}))
	defer srv.Close()

	res, err := New(srv.URL).Analyze(context.Background(), []string{"a:1", "a:2"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CorrelationsFound)
	assert.InDelta(t, 0.8, res.AverageScore, 1e-9)
}

func TestListCampaigns_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"campaigns": []models.Campaign{{ID: "c1", Status: models.CampaignActive}},
		})
	}))
	defer srv.Close()

	got, err := New(srv.URL).ListCampaigns(context.Background(), models.CampaignActive, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "campaign not found")
	}))
	defer srv.Close()

	_, err := New(srv.URL).CloseCampaign(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "campaign not found", apiErr.Message)
}

func TestSendWebhook_Signs(t *testing.T) {
	signer, err := signing.NewSigner("sha256", "s3cret")
	require.NoError(t, err)
	body := []byte(`{"alerts":[{"id":"1"}]}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		assert.True(t, signer.Verify(data, r.Header.Get(models.DefaultSignatureHeader)))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		httputil.WriteJSON(w, http.StatusOK, gateway.Result{Success: true, AlertsProcessed: 1})
	}))
	defer srv.Close()

	status, res, err := New("").SendWebhook(context.Background(), WebhookRequest{
		URL:     srv.URL + "/webhooks/soc",
		Body:    body,
		Signer:  signer,
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AlertsProcessed)
}

func TestSendWebhook_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusUnauthorized, gateway.Result{Kind: gateway.KindSignatureInvalid, Message: "bad signature"})
	}))
	defer srv.Close()

	status, res, err := New("").SendWebhook(context.Background(), WebhookRequest{URL: srv.URL, Body: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, gateway.KindSignatureInvalid, res.Kind)
}
