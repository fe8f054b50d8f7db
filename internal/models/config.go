package models

import "time"

// ConnectorConfig describes one pull-based alert source.
type ConnectorConfig struct {
	Name         string        `mapstructure:"name" json:"name"`
	Type         SourceType    `mapstructure:"type" json:"type"`
	BaseURL      string        `mapstructure:"base_url" json:"base_url"`
	Token        string        `mapstructure:"token" json:"-"`
	Username     string        `mapstructure:"username" json:"username,omitempty"`
	Password     string        `mapstructure:"password" json:"-"`
	Insecure     bool          `mapstructure:"insecure" json:"insecure,omitempty"`
	SyncInterval time.Duration `mapstructure:"sync_interval" json:"sync_interval"`
	Query        string        `mapstructure:"query" json:"query,omitempty"`
	Limit        int           `mapstructure:"limit" json:"limit,omitempty"`
	Features     FeatureFlags  `mapstructure:"features" json:"features"`
	RateLimit    ConnectorRate `mapstructure:"rate_limit" json:"rate_limit"`
	Retry        RetryPolicy   `mapstructure:"retry" json:"retry"`
	Job          JobPolicy     `mapstructure:"job" json:"job"`
	Enrichment   Enrichment    `mapstructure:"enrichment" json:"enrichment"`
	SessionTTL   time.Duration `mapstructure:"session_ttl" json:"session_ttl"`
}

// FeatureFlags toggles what a connector does.
type FeatureFlags struct {
	Ingestion  bool `mapstructure:"ingestion" json:"ingestion"`
	Enrichment bool `mapstructure:"enrichment" json:"enrichment"`
	CaseSync   bool `mapstructure:"case_sync" json:"case_sync"`
}

// ConnectorRate spaces outbound calls to a source.
type ConnectorRate struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute"`
}

// RetryPolicy bounds retries of outbound calls.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" json:"base_delay"`
}

// JobPolicy bounds polling of asynchronous search jobs.
type JobPolicy struct {
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait" json:"max_wait"`
}

// Enrichment configures how correlation results are pushed back to a source.
type Enrichment struct {
	Mode       string `mapstructure:"mode" json:"mode"` // "kvstore" or "event"
	App        string `mapstructure:"app" json:"app,omitempty"`
	Collection string `mapstructure:"collection" json:"collection,omitempty"`
	Index      string `mapstructure:"index" json:"index,omitempty"`
	SourceType string `mapstructure:"sourcetype" json:"sourcetype,omitempty"`
}

// AuthMode selects how webhook callers authenticate.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthBasic  AuthMode = "basic"
	AuthHMAC   AuthMode = "hmac"
	AuthCustom AuthMode = "custom"
)

// DefaultSignatureHeader carries the HMAC of hmac-mode webhooks.
const DefaultSignatureHeader = "X-Threatlink-Signature"

// WebhookConfig describes one push ingestion endpoint.
type WebhookConfig struct {
	Name            string      `mapstructure:"name" json:"name"`
	Path            string      `mapstructure:"path" json:"path"`
	Source          string      `mapstructure:"source" json:"source"`
	Secret          string      `mapstructure:"secret" json:"-"`
	SignatureHeader string      `mapstructure:"signature_header" json:"signature_header,omitempty"`
	Algorithm       string      `mapstructure:"algorithm" json:"algorithm,omitempty"`
	AllowedIPs      []string    `mapstructure:"allowed_ips" json:"allowed_ips,omitempty"`
	RateLimit       WebhookRate `mapstructure:"rate_limit" json:"rate_limit"`
	Auth            WebhookAuth `mapstructure:"auth" json:"auth"`
	MaxBodyBytes    int64       `mapstructure:"max_body_bytes" json:"max_body_bytes,omitempty"`
}

// WebhookRate caps requests per source IP.
type WebhookRate struct {
	PerMinute int `mapstructure:"per_minute" json:"per_minute"`
	PerHour   int `mapstructure:"per_hour" json:"per_hour"`
}

// Unlimited reports whether both limits are negative, which turns rate
// limiting off for the webhook.
func (r WebhookRate) Unlimited() bool { return r.PerMinute < 0 && r.PerHour < 0 }

// WebhookAuth holds credentials for the configured auth mode.
type WebhookAuth struct {
	Mode      AuthMode `mapstructure:"mode" json:"mode"`
	Token     string   `mapstructure:"token" json:"-"`
	Username  string   `mapstructure:"username" json:"username,omitempty"`
	Password  string   `mapstructure:"password" json:"-"`
	Custom    string   `mapstructure:"custom" json:"custom,omitempty"` // registered authenticator name
	JWTSecret string   `mapstructure:"jwt_secret" json:"-"`
	JWTIssuer string   `mapstructure:"jwt_issuer" json:"jwt_issuer,omitempty"`
}
