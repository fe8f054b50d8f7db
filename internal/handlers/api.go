package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/threatlink/common/httputil"
	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/campaign"
	"github.com/telhawk-systems/threatlink/internal/connector"
	"github.com/telhawk-systems/threatlink/internal/correlation"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/repository"
	"github.com/telhawk-systems/threatlink/internal/service"
	"github.com/telhawk-systems/threatlink/internal/webhookstats"
)

const maxRequestBytes = 1 << 20

// Pipeline is the subset of the service the API drives.
type Pipeline interface {
	AnalyzeRelationships(ctx context.Context, ids []string) (correlation.Result, error)
	DetectCampaigns(ctx context.Context) (campaign.Result, error)
	CloseCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpdateAlertStatus(ctx context.Context, key string, status models.AlertStatus) (*models.Alert, error)
	Stats() service.Stats
}

// Reader is the read side of the repository.
type Reader interface {
	GetAlert(ctx context.Context, key string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
	ListCorrelations(ctx context.Context, minScore float64) ([]models.Correlation, error)
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, filter models.CampaignFilter) ([]models.Campaign, error)
}

// Connectors exposes connector status and manual syncs.
type Connectors interface {
	Status() []connector.Status
	SyncNow(ctx context.Context, name string) (int, error)
}

// UsageStats reads per-webhook usage.
type UsageStats interface {
	Get(ctx context.Context, webhook string) (*webhookstats.Stats, error)
}

// Handler serves /api/v1.
type Handler struct {
	svc        Pipeline
	store      Reader
	connectors Connectors
	usage      UsageStats
	webhooks   map[string]bool
	logger     *slog.Logger
}

// NewHandler builds the API handler. connectors may be nil when no
// connector is configured.
func NewHandler(svc Pipeline, store Reader, connectors Connectors, logger *slog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		store:      store,
		connectors: connectors,
		logger:     logging.OrDiscard(logger).With(logging.Component("api")),
	}
}

// WithWebhookStats serves usage for the named webhooks.
func (h *Handler) WithWebhookStats(usage UsageStats, webhooks []string) *Handler {
	h.usage = usage
	h.webhooks = make(map[string]bool, len(webhooks))
	for _, name := range webhooks {
		h.webhooks[name] = true
	}
	return h
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/alerts", h.ListAlerts)
	mux.HandleFunc("GET /api/v1/alerts/{key}", h.GetAlert)
	mux.HandleFunc("PATCH /api/v1/alerts/{key}/status", h.UpdateAlertStatus)
	mux.HandleFunc("GET /api/v1/correlations", h.ListCorrelations)
	mux.HandleFunc("POST /api/v1/analysis", h.Analyze)
	mux.HandleFunc("GET /api/v1/campaigns", h.ListCampaigns)
	mux.HandleFunc("POST /api/v1/campaigns/detect", h.DetectCampaigns)
	mux.HandleFunc("GET /api/v1/campaigns/{id}", h.GetCampaign)
	mux.HandleFunc("POST /api/v1/campaigns/{id}/close", h.CloseCampaign)
	mux.HandleFunc("GET /api/v1/connectors", h.ListConnectors)
	mux.HandleFunc("POST /api/v1/connectors/{name}/sync", h.SyncConnector)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/webhooks/{name}/stats", h.WebhookStats)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AlertFilter{
		Source: q.Get("source"),
		Offset: max(httputil.ParseIntParam(q.Get("offset"), 0), 0),
		Limit:  httputil.ParseLimit(r, 100, 1000),
	}
	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_since", err.Error())
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_until", err.Error())
		return
	}
	alerts, err := h.store.ListAlerts(r.Context(), filter)
	if err != nil {
		h.internal(w, r, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAlert(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeStoreError(w, r, "get alert", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status models.AlertStatus `json:"status"`
}

func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httputil.DecodeJSON(r, maxRequestBytes, &req); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.Status.Valid() {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(string(req.Status)))
		return
	}
	a, err := h.svc.UpdateAlertStatus(r.Context(), r.PathValue("key"), req.Status)
	if err != nil {
		h.writeStoreError(w, r, "update alert status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) ListCorrelations(w http.ResponseWriter, r *http.Request) {
	minScore := 0.0
	if v := r.URL.Query().Get("min_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_min_score", "min_score must be within [0,1]")
			return
		}
		minScore = f
	}
	edges, err := h.store.ListCorrelations(r.Context(), minScore)
	if err != nil {
		h.internal(w, r, "list correlations", err)
		return
	}
	if edges == nil {
		edges = []models.Correlation{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"correlations": edges, "count": len(edges)})
}

type analysisRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := httputil.DecodeJSON(r, maxRequestBytes, &req); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "ids must not be empty")
		return
	}
	res, err := h.svc.AnalyzeRelationships(r.Context(), req.IDs)
	if err != nil {
		h.internal(w, r, "analyze relationships", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:  httputil.ParseLimit(r, 100, 1000),
	}
	switch filter.Status {
	case "", models.CampaignEmerging, models.CampaignActive, models.CampaignDormant, models.CampaignClosed:
	default:
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_status", "unknown campaign status "+strconv.Quote(string(filter.Status)))
		return
	}
	campaigns, err := h.store.ListCampaigns(r.Context(), filter)
	if err != nil {
		h.internal(w, r, "list campaigns", err)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns, "count": len(campaigns)})
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCampaign(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, "get campaign", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) DetectCampaigns(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DetectCampaigns(r.Context())
	if err != nil {
		h.internal(w, r, "detect campaigns", err)
		return
	}
	if res.NewCampaigns == nil {
		res.NewCampaigns = []models.Campaign{}
	}
	if res.UpdatedCampaigns == nil {
		res.UpdatedCampaigns = []models.Campaign{}
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) CloseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.CloseCampaign(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, "close campaign", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	out := []connector.Status{}
	if h.connectors != nil {
		out = append(out, h.connectors.Status()...)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"connectors": out})
}

func (h *Handler) SyncConnector(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.connectors == nil {
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "connector not found: "+name)
		return
	}
	n, err := h.connectors.SyncNow(r.Context(), name)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"connector": name, "alerts": n})
	case errors.Is(err, connector.ErrSourceNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, connector.ErrSourceOffline), errors.Is(err, connector.ErrSyncInProgress):
		httputil.WriteErrorCode(w, http.StatusConflict, "unavailable", err.Error())
	default:
		h.logger.WarnContext(r.Context(), "manual sync failed", logging.Connector(name), logging.Error(err))
		httputil.WriteErrorCode(w, http.StatusBadGateway, "sync_failed", err.Error())
	}
}

func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Stats())
}

func (h *Handler) WebhookStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.usage == nil {
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "stats_disabled", "webhook stats require redis")
		return
	}
	if !h.webhooks[name] {
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "webhook not found: "+name)
		return
	}
	st, err := h.usage.Get(r.Context(), name)
	if err != nil {
		h.internal(w, r, "get webhook stats", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrAlertNotFound), errors.Is(err, repository.ErrCampaignNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repository.ErrInvalidTransition):
		httputil.WriteErrorCode(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		h.internal(w, r, op, err)
	}
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), op+" failed", logging.Error(err))
	httputil.WriteErrorCode(w, http.StatusInternalServerError, "internal", op+" failed")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
