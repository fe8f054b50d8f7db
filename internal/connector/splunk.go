package connector

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/normalizer"
)

const defaultSplunkQuery = "search index=notable"

// Splunk pulls notable events through the search jobs REST API and writes
// enrichment back into a KV store collection or as events.
type Splunk struct {
	cfg      models.ConnectorConfig
	client   *http.Client
	retry    Retrier
	throttle *Throttle
	parsers  *normalizer.Registry
	logger   *slog.Logger
	now      func() time.Time

	login singleflight.Group

	mu         sync.Mutex
	sessionKey string
	sessionAt  time.Time
}

// NewSplunk is the registry factory for Splunk connectors.
func NewSplunk(cfg models.ConnectorConfig, logger *slog.Logger) (Connector, error) {
	return NewSplunkConnector(cfg, logger)
}

func NewSplunkConnector(cfg models.ConnectorConfig, logger *slog.Logger) (*Splunk, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("splunk connector: base_url is required")
	}
	if cfg.Token == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("splunk connector: token or username/password required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.Job.PollInterval <= 0 {
		cfg.Job.PollInterval = 2 * time.Second
	}
	if cfg.Job.MaxWait <= 0 {
		cfg.Job.MaxWait = 5 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}

	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	log := logging.OrDiscard(logger).With(logging.Connector(cfg.Name))
	s := &Splunk{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
		retry:    NewRetrier(cfg.Retry),
		throttle: NewThrottle(cfg.RateLimit.RequestsPerMinute),
		parsers:  normalizer.DefaultRegistry(),
		logger:   log,
		now:      time.Now,
	}
	s.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ConnectorRetries.WithLabelValues(cfg.Name).Inc()
		log.Warn("retrying splunk request", logging.Attempt(attempt), logging.Duration(wait), logging.Error(err))
	}
	return s, nil
}

func (s *Splunk) Type() models.SourceType { return models.SourceSplunk }

// Authenticate logs in with username and password. Token credentials need
// no login.
func (s *Splunk) Authenticate(ctx context.Context) error {
	if s.cfg.Token != "" {
		return nil
	}
	s.clearSession()
	_, err := s.session(ctx)
	return err
}

// session returns a cached session key, logging in when it is missing or
// older than SessionTTL. Concurrent logins collapse into one request.
func (s *Splunk) session(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.sessionKey != "" && s.now().Sub(s.sessionAt) < s.cfg.SessionTTL {
		key := s.sessionKey
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	v, err, _ := s.login.Do("login", func() (any, error) {
		key, err := s.doLogin(ctx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.sessionKey, s.sessionAt = key, s.now()
		s.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Splunk) clearSession() {
	s.mu.Lock()
	s.sessionKey = ""
	s.mu.Unlock()
}

func (s *Splunk) doLogin(ctx context.Context) (string, error) {
	form := url.Values{
		"username":    {s.cfg.Username},
		"password":    {s.cfg.Password},
		"output_mode": {"json"},
	}
	resp, err := s.send(ctx, http.MethodPost, "/services/auth/login", "", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", Permanent(fmt.Errorf("%w: login rejected", ErrAuthentication))
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var body struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if body.SessionKey == "" {
		return "", fmt.Errorf("%w: empty session key", ErrAuthentication)
	}
	return body.SessionKey, nil
}

// authHeader builds the Authorization header value.
func (s *Splunk) authHeader(ctx context.Context) (string, error) {
	if s.cfg.Token != "" {
		return "Bearer " + s.cfg.Token, nil
	}
	key, err := s.session(ctx)
	if err != nil {
		return "", err
	}
	return "Splunk " + key, nil
}

// send performs one throttled request.
func (s *Splunk) send(ctx context.Context, method, path, auth string, body io.Reader, contentType string) (*http.Response, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	return resp, nil
}

// call sends an authenticated request with retries and decodes a JSON reply
// into out (which may be nil). A 401 drops the session and logs in again
// once; a second 401 is an authentication failure.
func (s *Splunk) call(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		for relogin := 0; ; relogin++ {
			auth, err := s.authHeader(ctx)
			if err != nil {
				return err
			}
			resp, err := s.send(ctx, method, path, auth, bytes.NewReader(body), contentType)
			if err != nil {
				return err
			}

			if resp.StatusCode == http.StatusUnauthorized {
				resp.Body.Close()
				if s.cfg.Token != "" || relogin > 0 {
					return fmt.Errorf("%w: %s %s", ErrAuthentication, method, path)
				}
				s.clearSession()
				continue
			}

			err = checkStatus(resp)
			if err == nil && out != nil {
				if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
					err = fmt.Errorf("failed to decode %s response: %w", path, derr)
				}
			}
			resp.Body.Close()
			return err
		}
	})
}

// checkStatus turns non-2xx responses into errors. Client errors other than
// throttling are not retried.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("splunk returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// TestConnection reads the server info endpoint.
func (s *Splunk) TestConnection(ctx context.Context) (bool, error) {
	var info struct {
		Entry []struct {
			Content struct {
				Version string `json:"version"`
			} `json:"content"`
		} `json:"entry"`
	}
	if err := s.call(ctx, http.MethodGet, "/services/server/info?output_mode=json", nil, "", &info); err != nil {
		return false, err
	}
	if len(info.Entry) > 0 {
		s.logger.DebugContext(ctx, "splunk reachable", slog.String("version", info.Entry[0].Content.Version))
	}
	return true, nil
}

// IngestAlerts runs a search job for alerts since opts.Since and maps its
// results through the Splunk parser.
func (s *Splunk) IngestAlerts(ctx context.Context, opts IngestOptions) ([]models.Alert, error) {
	query := opts.Query
	if query == "" {
		query = s.cfg.Query
	}
	if query == "" {
		query = defaultSplunkQuery
	}
	if t := strings.TrimSpace(query); !strings.HasPrefix(t, "search") && !strings.HasPrefix(t, "|") {
		query = "search " + t
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	form := url.Values{
		"search":      {query},
		"output_mode": {"json"},
		"exec_mode":   {"normal"},
		"latest_time": {"now"},
	}
	if !opts.Since.IsZero() {
		form.Set("earliest_time", strconv.FormatInt(opts.Since.Unix(), 10))
	}

	var job struct {
		SID string `json:"sid"`
	}
	if err := s.call(ctx, http.MethodPost, "/services/search/jobs", []byte(form.Encode()),
		"application/x-www-form-urlencoded", &job); err != nil {
		return nil, fmt.Errorf("create search job: %w", err)
	}
	if job.SID == "" {
		return nil, fmt.Errorf("%w: search job returned no sid", ErrSyncFailed)
	}

	if err := s.waitForJob(ctx, job.SID); err != nil {
		return nil, err
	}

	var results struct {
		Results []json.RawMessage `json:"results"`
	}
	path := fmt.Sprintf("/services/search/jobs/%s/results?output_mode=json&count=%d", url.PathEscape(job.SID), limit)
	if err := s.call(ctx, http.MethodGet, path, nil, "", &results); err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	if len(results.Results) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{"sid": job.SID, "results": results.Results})
	if err != nil {
		return nil, err
	}
	alerts, err := s.parsers.Parse(models.SourceSplunk, body)
	if err != nil {
		return nil, fmt.Errorf("normalize results: %w", err)
	}
	return alerts, nil
}

// waitForJob polls a job until it is done or failed, bounded by Job.MaxWait.
func (s *Splunk) waitForJob(ctx context.Context, sid string) error {
	deadline := s.now().Add(s.cfg.Job.MaxWait)
	path := fmt.Sprintf("/services/search/jobs/%s?output_mode=json", url.PathEscape(sid))
	ticker := time.NewTicker(s.cfg.Job.PollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			Entry []struct {
				Content struct {
					IsDone        bool   `json:"isDone"`
					IsFailed      bool   `json:"isFailed"`
					DispatchState string `json:"dispatchState"`
				} `json:"content"`
			} `json:"entry"`
		}
		if err := s.call(ctx, http.MethodGet, path, nil, "", &status); err != nil {
			return fmt.Errorf("poll search job %s: %w", sid, err)
		}
		if len(status.Entry) > 0 {
			c := status.Entry[0].Content
			if c.IsFailed || c.DispatchState == "FAILED" {
				return fmt.Errorf("%w: search job %s", ErrSyncFailed, sid)
			}
			if c.IsDone {
				return nil
			}
		}
		if !s.now().Before(deadline) {
			return fmt.Errorf("%w: search job %s still running after %s", ErrSyncTimeout, sid, s.cfg.Job.MaxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// enrichmentRecord is one KV store row, keyed by indicator.
type enrichmentRecord struct {
	Key       string    `json:"_key"`
	Indicator string    `json:"indicator"`
	AlertKeys []string  `json:"alert_keys"`
	MaxScore  float64   `json:"max_score"`
	RunID     string    `json:"run_id"`
	Campaigns []string  `json:"campaigns,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PushEnrichment writes results back to Splunk. It reports false when there
// was nothing to push.
func (s *Splunk) PushEnrichment(ctx context.Context, e Enrichment) (bool, error) {
	if e.Empty() {
		return false, nil
	}
	switch s.cfg.Enrichment.Mode {
	case "event":
		return true, s.pushEvents(ctx, e)
	default:
		return true, s.pushKVStore(ctx, e)
	}
}

func (s *Splunk) pushKVStore(ctx context.Context, e Enrichment) error {
	records := indicatorRecords(e, s.now().UTC())
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(records)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/servicesNS/nobody/%s/storage/collections/data/%s/batch_save",
		url.PathEscape(s.cfg.Enrichment.App), url.PathEscape(s.cfg.Enrichment.Collection))
	if err := s.call(ctx, http.MethodPost, path, body, "application/json", nil); err != nil {
		return fmt.Errorf("kvstore batch_save: %w", err)
	}
	return nil
}

func (s *Splunk) pushEvents(ctx context.Context, e Enrichment) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range e.Correlations {
		if err := enc.Encode(map[string]any{
			"type":              "correlation",
			"run_id":            e.RunID,
			"alert_a":           c.AlertA,
			"alert_b":           c.AlertB,
			"score":             c.Score,
			"shared_indicators": c.SharedIndicators,
		}); err != nil {
			return err
		}
	}
	for _, c := range e.Campaigns {
		if err := enc.Encode(map[string]any{
			"type":       "campaign",
			"run_id":     e.RunID,
			"campaign":   c.ID,
			"name":       c.Name,
			"status":     c.Status,
			"confidence": c.ConfidenceScore,
			"members":    c.Members,
		}); err != nil {
			return err
		}
	}

	q := url.Values{"source": {"threatlink"}, "sourcetype": {s.cfg.Enrichment.SourceType}}
	if s.cfg.Enrichment.Index != "" {
		q.Set("index", s.cfg.Enrichment.Index)
	}
	if err := s.call(ctx, http.MethodPost, "/services/receivers/simple?"+q.Encode(), buf.Bytes(), "application/json", nil); err != nil {
		return fmt.Errorf("submit enrichment events: %w", err)
	}
	return nil
}

// indicatorRecords folds correlations into one record per shared indicator.
func indicatorRecords(e Enrichment, now time.Time) []enrichmentRecord {
	byIndicator := make(map[string]*enrichmentRecord)
	alertCampaigns := make(map[string][]string)
	for _, c := range e.Campaigns {
		for _, m := range c.Members {
			alertCampaigns[m] = append(alertCampaigns[m], c.ID)
		}
	}

	for _, c := range e.Correlations {
		for _, ind := range c.SharedIndicators {
			r, ok := byIndicator[ind]
			if !ok {
				sum := sha1.Sum([]byte(ind))
				r = &enrichmentRecord{Key: hex.EncodeToString(sum[:]), Indicator: ind, RunID: e.RunID, UpdatedAt: now}
				byIndicator[ind] = r
			}
			r.AlertKeys = appendUnique(r.AlertKeys, c.AlertA, c.AlertB)
			r.MaxScore = max(r.MaxScore, c.Score)
			for _, k := range []string{c.AlertA, c.AlertB} {
				r.Campaigns = appendUnique(r.Campaigns, alertCampaigns[k]...)
			}
		}
	}

	out := make([]enrichmentRecord, 0, len(byIndicator))
	for _, r := range byIndicator {
		sort.Strings(r.AlertKeys)
		sort.Strings(r.Campaigns)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Indicator < out[j].Indicator })
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
