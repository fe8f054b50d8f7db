package logging

import (
	"log/slog"
	"time"
)

// Field names shared across components so log queries stay stable.
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldSource      = "source"
	FieldSourceType  = "source_type"
	FieldWebhook     = "webhook"
	FieldConnector   = "connector"
	FieldAlertKey    = "alert_key"
	FieldCampaignID  = "campaign_id"
	FieldRunID       = "run_id"
	FieldIP          = "ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldCount       = "count"
	FieldState       = "state"
	FieldAttempt     = "attempt"
	FieldSubject     = "subject"
	FieldCorrelation = "correlation"
)

// Component returns an attribute naming the emitting component.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// Source returns an attribute for the alert source name.
func Source(name string) slog.Attr {
	return slog.String(FieldSource, name)
}

// SourceType returns an attribute for the detected vendor format.
func SourceType(t string) slog.Attr {
	return slog.String(FieldSourceType, t)
}

// Webhook returns an attribute for a webhook name.
func Webhook(name string) slog.Attr {
	return slog.String(FieldWebhook, name)
}

// Connector returns an attribute for a connector name.
func Connector(name string) slog.Attr {
	return slog.String(FieldConnector, name)
}

// AlertKey returns an attribute for an alert store key.
func AlertKey(key string) slog.Attr {
	return slog.String(FieldAlertKey, key)
}

// CampaignID returns an attribute for a campaign id.
func CampaignID(id string) slog.Attr {
	return slog.String(FieldCampaignID, id)
}

// RunID returns an attribute for an analysis run id.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// IP returns an attribute for a client IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns an attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns an attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns an attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns an attribute with d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns an attribute for an error. A nil error logs as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "<nil>")
	}
	return slog.String(FieldError, err.Error())
}

// Count returns an attribute for a number of items.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// State returns an attribute for a state machine state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}

// Attempt returns an attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Subject returns an attribute for a message subject.
func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}
