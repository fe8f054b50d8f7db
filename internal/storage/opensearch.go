// Package storage archives normalized alerts, raw payload included, into
// OpenSearch for search and audit.
package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
)

type Config struct {
	URL             string
	Username        string
	Password        string
	TLSSkipVerify   bool
	IndexPrefix     string
	ShardCount      int
	ReplicaCount    int
	RefreshInterval string
	RetentionDays   int
	FlushBytes      int
	FlushInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             "https://localhost:9200",
		Username:        "admin",
		TLSSkipVerify:   true,
		IndexPrefix:     "threatlink",
		ShardCount:      1,
		ReplicaCount:    0,
		RefreshInterval: "5s",
		RetentionDays:   90,
		FlushBytes:      5 * 1024 * 1024,
		FlushInterval:   5 * time.Second,
	}
}

// IndexResult reports the outcome of one Archive call.
type IndexResult struct {
	Indexed int
	Failed  int
	Errors  []string
}

// Archive indexes alerts into <prefix>-alerts-write.
type Archive struct {
	client      *opensearch.Client
	config      Config
	logger      *slog.Logger
	mu          sync.Mutex
	initialized bool
}

func NewArchive(cfg Config, logger *slog.Logger) (*Archive, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}, //nolint:gosec // self-signed dev clusters
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &Archive{
		client: client,
		config: cfg,
		logger: logging.OrDiscard(logger).With(logging.Component("archive")),
	}, nil
}

// WriteAlias is the alias every document is indexed through.
func (a *Archive) WriteAlias() string {
	return a.config.IndexPrefix + "-alerts-write"
}

func (a *Archive) initialIndex() string {
	return a.config.IndexPrefix + "-alerts-000001"
}

// Initialize verifies the connection and installs the index template, the
// retention policy and the first index behind the write alias.
func (a *Archive) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	info, err := a.client.Info(a.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := a.createIndexTemplate(ctx); err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	if err := a.createRetentionPolicy(ctx); err != nil {
		return fmt.Errorf("failed to create retention policy: %w", err)
	}
	if err := a.createInitialIndex(ctx); err != nil {
		return fmt.Errorf("failed to create initial index: %w", err)
	}

	a.initialized = true
	a.logger.InfoContext(ctx, "alert archive ready", slog.String("alias", a.WriteAlias()))
	return nil
}

type alertDocument struct {
	Key         string             `json:"alert_key"`
	ID          string             `json:"id"`
	Source      string             `json:"source"`
	SourceType  models.SourceType  `json:"source_type"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Severity    models.Severity    `json:"severity"`
	Status      models.AlertStatus `json:"status"`
	Indicators  []models.Indicator `json:"indicators"`
	Techniques  []string           `json:"techniques,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Timestamp   time.Time          `json:"@timestamp"`
	CreatedAt   time.Time          `json:"created_at"`
	Raw         json.RawMessage    `json:"raw,omitempty"`
}

func toDocument(a *models.Alert) alertDocument {
	doc := alertDocument{
		Key:         a.Key(),
		ID:          a.ID,
		Source:      a.Source,
		SourceType:  a.SourceType,
		Title:       a.Title,
		Description: a.Description,
		Severity:    a.Severity,
		Status:      a.Status,
		Indicators:  a.Indicators,
		Techniques:  a.Techniques,
		Metadata:    a.Metadata,
		Timestamp:   a.DetectedAt,
		CreatedAt:   a.CreatedAt,
	}
	if len(a.Raw) > 0 && json.Valid(a.Raw) {
		doc.Raw = a.Raw
	}
	return doc
}

// Archive bulk-indexes alerts keyed by alert key, so re-delivered alerts
// overwrite their earlier document.
func (a *Archive) Archive(ctx context.Context, alerts []models.Alert) (IndexResult, error) {
	var (
		res IndexResult
		mu  sync.Mutex
	)
	if len(alerts) == 0 {
		return res, nil
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        a.client,
		Index:         a.WriteAlias(),
		FlushBytes:    a.config.FlushBytes,
		FlushInterval: a.config.FlushInterval,
		NumWorkers:    1,
	})
	if err != nil {
		metrics.ArchiveErrors.Inc()
		return res, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for i := range alerts {
		data, err := json.Marshal(toDocument(&alerts[i]))
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("failed to marshal %s: %v", alerts[i].Key(), err))
			continue
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: alerts[i].Key(),
			Body:       bytes.NewReader(data),
			OnSuccess: func(context.Context, opensearchutil.BulkIndexerItem, opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				res.Indexed++
				mu.Unlock()
			},
			OnFailure: func(_ context.Context, item opensearchutil.BulkIndexerItem, r opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				res.Failed++
				if err != nil {
					res.Errors = append(res.Errors, err.Error())
				} else {
					res.Errors = append(res.Errors, fmt.Sprintf("%s: %s: %s", item.DocumentID, r.Error.Type, r.Error.Reason))
				}
			},
		})
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("failed to add to bulk indexer: %v", err))
		}
	}

	if err := bi.Close(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("bulk indexer close error: %v", err))
	}

	if res.Failed > 0 || len(res.Errors) > 0 {
		metrics.ArchiveErrors.Add(float64(max(res.Failed, 1)))
		a.logger.WarnContext(ctx, "alert archive incomplete",
			slog.Int("indexed", res.Indexed), slog.Int("failed", res.Failed),
			slog.String("first_error", firstOf(res.Errors)))
		return res, fmt.Errorf("archived %d of %d alerts", res.Indexed, len(alerts))
	}
	return res, nil
}

func firstOf(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0]
}

// Ping checks the cluster is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	res, err := a.client.Ping(a.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch ping: %s", res.Status())
	}
	return nil
}

func (a *Archive) createIndexTemplate(ctx context.Context) error {
	template := map[string]any{
		"index_patterns": []string{a.config.IndexPrefix + "-alerts-*"},
		"template": map[string]any{
			"settings": map[string]any{
				"number_of_shards":   a.config.ShardCount,
				"number_of_replicas": a.config.ReplicaCount,
				"refresh_interval":   a.config.RefreshInterval,
			},
			"mappings": alertMappings(),
		},
		"priority": 100,
	}
	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := a.client.Indices.PutIndexTemplate(
		a.config.IndexPrefix+"-alerts-template",
		bytes.NewReader(body),
		a.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s - %s", res.Status(), string(b))
	}
	return nil
}

func alertMappings() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	date := map[string]any{"type": "date"}
	return map[string]any{
		"dynamic": true,
		"dynamic_templates": []map[string]any{{
			"metadata_as_keywords": map[string]any{
				"path_match": "metadata.*",
				"mapping":    keyword,
			},
		}},
		"properties": map[string]any{
			"alert_key":   keyword,
			"id":          keyword,
			"source":      keyword,
			"source_type": keyword,
			"title":       map[string]any{"type": "text", "fields": map[string]any{"keyword": map[string]any{"type": "keyword", "ignore_above": 256}}},
			"description": map[string]any{"type": "text"},
			"severity":    keyword,
			"status":      keyword,
			"techniques":  keyword,
			"indicators": map[string]any{
				"type": "nested",
				"properties": map[string]any{
					"type":    keyword,
					"value":   keyword,
					"context": keyword,
				},
			},
			"@timestamp": date,
			"created_at": date,
			"raw":        map[string]any{"type": "object", "enabled": false},
		},
	}
}

func (a *Archive) policyName() string {
	return a.config.IndexPrefix + "-alerts-policy"
}

func (a *Archive) createRetentionPolicy(ctx context.Context) error {
	if a.config.RetentionDays <= 0 {
		return nil
	}
	policy := map[string]any{
		"policy": map[string]any{
			"description":   "threatlink alert archive retention",
			"default_state": "hot",
			"ism_template": []map[string]any{{
				"index_patterns": []string{a.config.IndexPrefix + "-alerts-*"},
			}},
			"states": []map[string]any{
				{
					"name":    "hot",
					"actions": []map[string]any{},
					"transitions": []map[string]any{{
						"state_name": "delete",
						"conditions": map[string]any{"min_index_age": fmt.Sprintf("%dd", a.config.RetentionDays)},
					}},
				},
				{
					"name":    "delete",
					"actions": []map[string]any{{"delete": map[string]any{}}},
				},
			},
		},
	}
	body, err := json.Marshal(policy)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		"/_plugins/_ism/policies/"+a.policyName(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := a.client.Transport.Perform(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// 409 means the policy already exists.
	if res.StatusCode >= 400 && res.StatusCode != http.StatusConflict {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%d - %s", res.StatusCode, string(b))
	}
	return nil
}

func (a *Archive) createInitialIndex(ctx context.Context) error {
	exists, err := a.client.Indices.Exists([]string{a.WriteAlias()}, a.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body := fmt.Sprintf(`{"aliases":{%q:{"is_write_index":true}}}`, a.WriteAlias())
	res, err := a.client.Indices.Create(a.initialIndex(),
		a.client.Indices.Create.WithContext(ctx),
		a.client.Indices.Create.WithBody(strings.NewReader(body)))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		// Another instance may have created it first.
		if strings.Contains(string(b), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("%s - %s", res.Status(), string(b))
	}
	return nil
}
