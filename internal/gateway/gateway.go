// Package gateway runs the gate pipeline for one push webhook: allow-list,
// rate limit, authentication, signature, then format detection and parsing.
// Alerts reach the sink only when every gate passed, and all of a request's
// alerts are handed over in one call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/common/signing"
	"github.com/telhawk-systems/threatlink/internal/dlq"
	"github.com/telhawk-systems/threatlink/internal/metrics"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/normalizer"
	"github.com/telhawk-systems/threatlink/internal/ratelimit"
)

// AlertSink receives normalized alerts.
type AlertSink interface {
	IngestAlerts(ctx context.Context, alerts []models.Alert) error
}

// Request is one inbound webhook call.
type Request struct {
	Headers  http.Header
	Body     []byte
	ClientIP string
}

// Result is the structured outcome returned to the caller.
type Result struct {
	Success         bool              `json:"success"`
	AlertsProcessed int               `json:"alerts_processed"`
	SourceType      models.SourceType `json:"source_type,omitempty"`
	Message         string            `json:"message"`
	Errors          []string          `json:"errors,omitempty"`
	Kind            Kind              `json:"kind,omitempty"`
	RetryAfter      time.Duration     `json:"-"`
}

// HTTPStatus is 200 for success, otherwise the status of the failure kind.
func (r Result) HTTPStatus() int {
	if r.Success {
		return http.StatusOK
	}
	return r.Kind.HTTPStatus()
}

// Options carries optional collaborators.
type Options struct {
	// Limiter defaults to an in-memory limiter with the webhook's limits.
	Limiter ratelimit.RateLimiter
	// Parsers defaults to normalizer.DefaultRegistry().
	Parsers *normalizer.Registry
	// DLQ receives payloads rejected after authentication. Nil disables it.
	DLQ dlq.Writer
	// Authenticators are the custom authenticators by name.
	Authenticators map[string]Authenticator
	Logger         *slog.Logger
}

// Gateway processes requests for one configured webhook.
type Gateway struct {
	cfg     models.WebhookConfig
	allow   *AllowList
	limiter ratelimit.RateLimiter
	auth    Authenticator
	signer  *signing.Signer
	parsers *normalizer.Registry
	sink    AlertSink
	dlq     dlq.Writer
	logger  *slog.Logger
}

// New validates cfg and builds its gateway.
func New(cfg models.WebhookConfig, sink AlertSink, opts Options) (*Gateway, error) {
	if sink == nil {
		return nil, errors.New("gateway: alert sink is required")
	}

	allow, err := ParseAllowList(cfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", cfg.Name, err)
	}

	auth, err := newAuthenticator(cfg, opts.Authenticators)
	if err != nil {
		return nil, err
	}

	var signer *signing.Signer
	if cfg.Secret != "" && cfg.SignatureHeader != "" {
		signer, err = signing.NewSigner(cfg.Algorithm, cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", cfg.Name, err)
		}
	} else if cfg.Auth.Mode == models.AuthHMAC {
		return nil, fmt.Errorf("webhook %s: hmac auth requires a secret and signature header", cfg.Name)
	}

	limiter := opts.Limiter
	switch {
	case cfg.RateLimit.Unlimited():
		limiter = &ratelimit.NoOpRateLimiter{}
	case limiter == nil:
		limiter = ratelimit.NewMemoryRateLimiter(ratelimit.Limits{
			PerMinute: cfg.RateLimit.PerMinute,
			PerHour:   cfg.RateLimit.PerHour,
		})
	}

	parsers := opts.Parsers
	if parsers == nil {
		parsers = normalizer.DefaultRegistry()
	}

	return &Gateway{
		cfg:     cfg,
		allow:   allow,
		limiter: limiter,
		auth:    auth,
		signer:  signer,
		parsers: parsers,
		sink:    sink,
		dlq:     opts.DLQ,
		logger:  logging.OrDiscard(opts.Logger).With(logging.Webhook(cfg.Name)),
	}, nil
}

// Config returns the webhook configuration.
func (g *Gateway) Config() models.WebhookConfig { return g.cfg }

// Close releases the rate limiter.
func (g *Gateway) Close() error { return g.limiter.Close() }

// Process runs the gate pipeline. It never panics on malformed input and
// never emits a partial set of alerts.
func (g *Gateway) Process(ctx context.Context, req Request) Result {
	metrics.WebhookBytesTotal.WithLabelValues(g.cfg.Name).Add(float64(len(req.Body)))

	alerts, st, err := g.run(ctx, req)
	if err != nil {
		return g.reject(ctx, req, st, err)
	}

	metrics.WebhookRequests.WithLabelValues(g.cfg.Name, "success").Inc()
	g.logger.DebugContext(ctx, "webhook processed",
		logging.IP(req.ClientIP), logging.SourceType(string(st)), logging.Count(len(alerts)))

	return Result{
		Success:         true,
		AlertsProcessed: len(alerts),
		SourceType:      st,
		Message:         fmt.Sprintf("processed %d alert(s)", len(alerts)),
	}
}

func (g *Gateway) run(ctx context.Context, req Request) ([]models.Alert, models.SourceType, error) {
	if !g.allow.Allows(req.ClientIP) {
		return nil, "", newError(KindIPNotAllowed, "source IP is not allowed", nil)
	}

	decision, err := g.limiter.Allow(ctx, limiterKey(req.ClientIP))
	if err != nil {
		// A limiter outage must not stop intake.
		g.logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
			logging.IP(req.ClientIP), logging.Error(err))
	} else if !decision.Allowed {
		e := newError(KindRateLimitExceeded, fmt.Sprintf("per-%s limit exceeded", decision.Window), nil)
		e.RetryAfter = decision.RetryAfter
		return nil, "", e
	}

	if err := g.auth.Authenticate(ctx, &req); err != nil {
		return nil, "", newError(KindAuthenticationFailed, "authentication failed", err)
	}

	if g.signer != nil {
		sig := req.Headers.Get(g.cfg.SignatureHeader)
		if sig == "" {
			return nil, "", newError(KindSignatureInvalid, "missing signature header "+g.cfg.SignatureHeader, nil)
		}
		if !g.signer.Verify(req.Body, sig) {
			return nil, "", newError(KindSignatureInvalid, "signature mismatch", nil)
		}
	}

	st, ok := normalizer.Detect(req.Headers, req.Body)
	if !ok {
		return nil, "", newError(KindUnrecognizedFormat, "payload format not recognized", normalizer.ErrUnrecognizedFormat)
	}

	start := time.Now()
	alerts, err := g.parsers.Parse(st, req.Body)
	metrics.NormalizationDuration.WithLabelValues(string(st)).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := KindParseFailed
		if errors.Is(err, normalizer.ErrUnrecognizedFormat) {
			kind = KindUnrecognizedFormat
		}
		return nil, st, newError(kind, "payload could not be parsed", err)
	}

	if g.cfg.Source != "" {
		for i := range alerts {
			alerts[i].Source = g.cfg.Source
		}
	}

	if err := g.sink.IngestAlerts(ctx, alerts); err != nil {
		return nil, st, newError(KindSinkFailed, "alerts could not be accepted", err)
	}
	return alerts, st, nil
}

func (g *Gateway) reject(ctx context.Context, req Request, st models.SourceType, err error) Result {
	var ge *Error
	if !errors.As(err, &ge) {
		ge = newError(KindParseFailed, "request failed", err)
	}
	res := Result{
		Success:    false,
		SourceType: st,
		Kind:       ge.Kind,
		Message:    ge.Message,
		RetryAfter: ge.RetryAfter,
	}
	if ge.Err != nil {
		res.Errors = []string{ge.Err.Error()}
	}

	metrics.WebhookRequests.WithLabelValues(g.cfg.Name, string(ge.Kind)).Inc()
	g.logger.WarnContext(ctx, "webhook rejected",
		logging.IP(req.ClientIP), slog.String("kind", string(ge.Kind)), logging.Error(err))

	if reason := dlqReason(ge.Kind); reason != "" && g.dlq != nil {
		meta := map[string]string{
			"client_ip":   req.ClientIP,
			"source_type": string(st),
			"user_agent":  req.Headers.Get("User-Agent"),
		}
		if werr := g.dlq.Write(ctx, g.cfg.Name, req.Body, meta, err, reason); werr != nil {
			g.logger.ErrorContext(ctx, "failed to write rejected payload to DLQ", logging.Error(werr))
		}
	}
	return res
}

// dlqReason keeps payloads from authenticated callers only; gate rejections
// before that point are not stored.
func dlqReason(k Kind) string {
	switch k {
	case KindUnrecognizedFormat:
		return dlq.ReasonUnrecognizedFormat
	case KindParseFailed:
		return dlq.ReasonParseFailed
	case KindSinkFailed:
		return dlq.ReasonSinkFailed
	}
	return ""
}

func limiterKey(ip string) string {
	return strings.TrimSpace(strings.ToLower(ip))
}
