// Package handlers holds the HTTP handlers for webhook intake and the
// threatlink REST API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/telhawk-systems/threatlink/common/httputil"
	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/gateway"
	"github.com/telhawk-systems/threatlink/internal/models"
)

// WebhookProcessor runs the gate pipeline for one webhook.
type WebhookProcessor interface {
	Process(ctx context.Context, req gateway.Request) gateway.Result
	Config() models.WebhookConfig
}

// UsageRecorder counts webhook requests per webhook.
type UsageRecorder interface {
	Record(webhook string, alerts int, accepted bool, ip string)
}

type WebhookHandler struct {
	gw         WebhookProcessor
	usage      UsageRecorder
	trustProxy bool
	maxBody    int64
	logger     *slog.Logger
}

// NewWebhookHandler serves one webhook. maxBody caps the request body when
// the webhook does not set its own limit.
func NewWebhookHandler(gw WebhookProcessor, trustProxy bool, maxBody int64, logger *slog.Logger) *WebhookHandler {
	if limit := gw.Config().MaxBodyBytes; limit > 0 {
		maxBody = limit
	}
	return &WebhookHandler{
		gw:         gw,
		trustProxy: trustProxy,
		maxBody:    maxBody,
		logger:     logging.OrDiscard(logger).With(logging.Webhook(gw.Config().Name)),
	}
}

// WithUsage records every processed request in r.
func (h *WebhookHandler) WithUsage(r UsageRecorder) *WebhookHandler {
	h.usage = r
	return h
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.ErrorContext(r.Context(), "panic while processing webhook", slog.Any("panic", rec))
			httputil.WriteJSON(w, http.StatusInternalServerError, gateway.Result{
				Success: false,
				Message: "internal error",
			})
		}
	}()

	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	body, err := httputil.ReadBody(r, h.maxBody)
	if err != nil {
		status, msg := http.StatusBadRequest, "failed to read request body"
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			status, msg = http.StatusRequestEntityTooLarge, "payload exceeds "+strconv.FormatInt(h.maxBody, 10)+" bytes"
		}
		httputil.WriteJSON(w, status, gateway.Result{Success: false, Message: msg})
		return
	}

	ip := httputil.ClientIP(r, h.trustProxy)
	res := h.gw.Process(r.Context(), gateway.Request{
		Headers:  r.Header,
		Body:     body,
		ClientIP: ip,
	})
	if h.usage != nil {
		h.usage.Record(h.gw.Config().Name, res.AlertsProcessed, res.Success, ip)
	}
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	httputil.WriteJSON(w, res.HTTPStatus(), res)
}
