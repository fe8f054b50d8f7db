// Package client talks to a running threatlink server: its REST API and its
// webhook endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/threatlink/common/httputil"
	"github.com/telhawk-systems/threatlink/common/signing"
	"github.com/telhawk-systems/threatlink/internal/campaign"
	"github.com/telhawk-systems/threatlink/internal/connector"
	"github.com/telhawk-systems/threatlink/internal/correlation"
	"github.com/telhawk-systems/threatlink/internal/gateway"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/service"
)

// APIError is a non-2xx API response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var eb httputil.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Code, apiErr.Message = eb.Code, eb.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Analyze scores every pair among ids on the server.
func (c *Client) Analyze(ctx context.Context, ids []string) (correlation.Result, error) {
	var res correlation.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/analysis", map[string]any{"ids": ids}, &res)
	return res, err
}

func (c *Client) DetectCampaigns(ctx context.Context) (campaign.Result, error) {
	var res campaign.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/campaigns/detect", nil, &res)
	return res, err
}

func (c *Client) ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]models.Campaign, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/campaigns"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res struct {
		Campaigns []models.Campaign `json:"campaigns"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res.Campaigns, err
}

func (c *Client) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var res models.Campaign
	if err := c.do(ctx, http.MethodGet, "/api/v1/campaigns/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CloseCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var res models.Campaign
	if err := c.do(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/close", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) UpdateAlertStatus(ctx context.Context, key string, status models.AlertStatus) (*models.Alert, error) {
	var res models.Alert
	path := "/api/v1/alerts/" + url.PathEscape(key) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"status": status}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Connectors(ctx context.Context) ([]connector.Status, error) {
	var res struct {
		Connectors []connector.Status `json:"connectors"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/connectors", nil, &res)
	return res.Connectors, err
}

// SyncConnector runs a sync cycle now and returns how many alerts it pulled.
func (c *Client) SyncConnector(ctx context.Context, name string) (int, error) {
	var res struct {
		Alerts int `json:"alerts"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/connectors/"+url.PathEscape(name)+"/sync", nil, &res)
	return res.Alerts, err
}

func (c *Client) Stats(ctx context.Context) (service.Stats, error) {
	var res service.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &res)
	return res, err
}

// WebhookRequest is one payload to deliver to a webhook.
type WebhookRequest struct {
	URL  string
	Body []byte
	// Signer signs the body into SignatureHeader when set.
	Signer          *signing.Signer
	SignatureHeader string
	// Headers are added as-is, e.g. Authorization.
	Headers map[string]string
}

// SendWebhook posts a payload and decodes the gateway's result. A rejected
// payload is not an error; inspect the returned status and result.
func (c *Client) SendWebhook(ctx context.Context, wr WebhookRequest) (int, gateway.Result, error) {
	var res gateway.Result
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wr.URL, bytes.NewReader(wr.Body))
	if err != nil {
		return 0, res, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wr.Headers {
		req.Header.Set(k, v)
	}
	if wr.Signer != nil {
		header := wr.SignatureHeader
		if header == "" {
			header = models.DefaultSignatureHeader
		}
		req.Header.Set(header, wr.Signer.Header(wr.Body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, res, fmt.Errorf("POST %s: %w", wr.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, res, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return resp.StatusCode, res, fmt.Errorf("unexpected webhook response (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, res, nil
}
