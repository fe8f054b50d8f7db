// Package config loads threatlink configuration from defaults, an optional
// YAML file and THREATLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/threatlink/internal/models"
)

type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Database    DatabaseConfig           `mapstructure:"database"`
	OpenSearch  OpenSearchConfig         `mapstructure:"opensearch"`
	NATS        NATSConfig               `mapstructure:"nats"`
	Redis       RedisConfig              `mapstructure:"redis"`
	DLQ         DLQConfig                `mapstructure:"dlq"`
	Logging     LoggingConfig            `mapstructure:"logging"`
	Correlation CorrelationConfig        `mapstructure:"correlation"`
	Campaign    CampaignConfig           `mapstructure:"campaign"`
	Pipeline    PipelineConfig           `mapstructure:"pipeline"`
	Schedule    ScheduleConfig           `mapstructure:"schedule"`
	Connectors  []models.ConnectorConfig `mapstructure:"connectors"`
	Webhooks    []models.WebhookConfig   `mapstructure:"webhooks"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Type           string         `mapstructure:"type"` // "memory" or "postgres"
	MigrateOnStart bool           `mapstructure:"migrate_on_start"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN renders the connection string for pgx and golang-migrate.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type OpenSearchConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	IndexPrefix   string        `mapstructure:"index_prefix"`
	FlushBytes    int           `mapstructure:"flush_bytes"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Durable       bool          `mapstructure:"durable"` // create the events stream
}

type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"`   // "jetstream" or "file"
	BasePath string `mapstructure:"base_path"` // file backend only
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CorrelationConfig struct {
	IndicatorWeight float64       `mapstructure:"indicator_weight"`
	TechniqueWeight float64       `mapstructure:"technique_weight"`
	TemporalWeight  float64       `mapstructure:"temporal_weight"`
	Window          time.Duration `mapstructure:"window"`
	MinScore        float64       `mapstructure:"min_score"`
	LockStripes     int           `mapstructure:"lock_stripes"`
}

type CampaignConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	MinClusterSize int     `mapstructure:"min_cluster_size"`
	MergeOverlap   float64 `mapstructure:"merge_overlap"`
}

type PipelineConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchWait      time.Duration `mapstructure:"batch_wait"`
	DedupeSize     int           `mapstructure:"dedupe_size"`
	AnalysisWindow time.Duration `mapstructure:"analysis_window"`
}

type ScheduleConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Detection          string        `mapstructure:"detection"`
	Reanalysis         string        `mapstructure:"reanalysis"`
	ReanalysisLookback time.Duration `mapstructure:"reanalysis_lookback"`
	PageSize           int           `mapstructure:"page_size"`
	PageDelay          time.Duration `mapstructure:"page_delay"`
}

// EnvPrefix is the prefix of environment overrides, e.g.
// THREATLINK_SERVER_PORT=9090.
const EnvPrefix = "THREATLINK"

// Load reads configuration. configPath may be empty, in which case
// ./config.yaml and /etc/threatlink/config.yaml are tried.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/threatlink")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyConnectorDefaults(&cfg, rawFeatures(v))
	applyWebhookDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.max_body_bytes", 1048576)

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "threatlink")
	v.SetDefault("database.postgres.user", "threatlink")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 10)

	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index_prefix", "threatlink")
	v.SetDefault("opensearch.flush_bytes", 5*1024*1024)
	v.SetDefault("opensearch.flush_interval", "5s")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.durable", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.backend", "jetstream")
	v.SetDefault("dlq.base_path", "/var/lib/threatlink/dlq")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("correlation.indicator_weight", 0.6)
	v.SetDefault("correlation.technique_weight", 0.15)
	v.SetDefault("correlation.temporal_weight", 0.25)
	v.SetDefault("correlation.window", "1h")
	v.SetDefault("correlation.min_score", 0.3)
	v.SetDefault("correlation.lock_stripes", 64)

	v.SetDefault("campaign.threshold", 0.65)
	v.SetDefault("campaign.min_cluster_size", 3)
	v.SetDefault("campaign.merge_overlap", 0.5)

	v.SetDefault("pipeline.queue_size", 10000)
	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.batch_wait", "2s")
	v.SetDefault("pipeline.dedupe_size", 50000)
	v.SetDefault("pipeline.analysis_window", "24h")

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.detection", "@every 5m")
	v.SetDefault("schedule.reanalysis", "0 0 3 * * *")
	v.SetDefault("schedule.reanalysis_lookback", "168h")
	v.SetDefault("schedule.page_size", 200)
	v.SetDefault("schedule.page_delay", "500ms")
}

// rawFeatures reports, per connector index, whether a features block was
// present in the file. Absent blocks default to ingestion only.
func rawFeatures(v *viper.Viper) []bool {
	raw, ok := v.Get("connectors").([]any)
	if !ok {
		return nil
	}
	out := make([]bool, len(raw))
	for i, item := range raw {
		if m, ok := item.(map[string]any); ok {
			_, out[i] = m["features"]
		}
	}
	return out
}

func applyConnectorDefaults(cfg *Config, hasFeatures []bool) {
	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		if i >= len(hasFeatures) || !hasFeatures[i] {
			c.Features.Ingestion = true
		}
		if c.SyncInterval <= 0 {
			c.SyncInterval = 5 * time.Minute
		}
		if c.Limit <= 0 {
			c.Limit = 1000
		}
		if c.RateLimit.RequestsPerMinute <= 0 {
			c.RateLimit.RequestsPerMinute = 60
		}
		if c.Retry.MaxAttempts <= 0 {
			c.Retry.MaxAttempts = 3
		}
		if c.Retry.BaseDelay <= 0 {
			c.Retry.BaseDelay = time.Second
		}
		if c.Job.PollInterval <= 0 {
			c.Job.PollInterval = 2 * time.Second
		}
		if c.Job.MaxWait <= 0 {
			c.Job.MaxWait = 5 * time.Minute
		}
		if c.SessionTTL <= 0 {
			c.SessionTTL = time.Hour
		}
		if c.Enrichment.Mode == "" {
			c.Enrichment.Mode = "kvstore"
		}
		if c.Enrichment.App == "" {
			c.Enrichment.App = "search"
		}
		if c.Enrichment.Collection == "" {
			c.Enrichment.Collection = "threatlink_enrichment"
		}
		if c.Enrichment.SourceType == "" {
			c.Enrichment.SourceType = "threatlink:enrichment"
		}
	}
}

func applyWebhookDefaults(cfg *Config) {
	for i := range cfg.Webhooks {
		w := &cfg.Webhooks[i]
		if w.Path == "" {
			w.Path = "/webhooks/" + w.Name
		}
		if w.Source == "" {
			w.Source = w.Name
		}
		if w.Auth.Mode == "" {
			w.Auth.Mode = models.AuthNone
		}
		if w.Algorithm == "" {
			w.Algorithm = "sha256"
		}
		if w.SignatureHeader == "" && w.Auth.Mode == models.AuthHMAC {
			w.SignatureHeader = models.DefaultSignatureHeader
		}
		if w.RateLimit.PerMinute == 0 && w.RateLimit.PerHour == 0 {
			w.RateLimit.PerMinute = 60
			w.RateLimit.PerHour = 1000
		}
		if w.MaxBodyBytes <= 0 {
			w.MaxBodyBytes = cfg.Server.MaxBodyBytes
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Type {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.type %q: want memory or postgres", c.Database.Type))
	}
	if c.DLQ.Enabled {
		switch c.DLQ.Backend {
		case "file":
		case "jetstream":
			if !c.NATS.Enabled {
				errs = append(errs, errors.New("dlq.backend jetstream requires nats.enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("dlq.backend %q: want jetstream or file", c.DLQ.Backend))
		}
	}

	cc := c.Correlation
	if cc.IndicatorWeight < 0 || cc.TechniqueWeight < 0 || cc.TemporalWeight < 0 {
		errs = append(errs, errors.New("correlation weights must be non-negative"))
	}
	if cc.IndicatorWeight+cc.TechniqueWeight+cc.TemporalWeight <= 0 {
		errs = append(errs, errors.New("correlation weights must not all be zero"))
	}
	if cc.MinScore < 0 || cc.MinScore > 1 {
		errs = append(errs, fmt.Errorf("correlation.min_score %v out of [0,1]", cc.MinScore))
	}
	if cc.Window <= 0 {
		errs = append(errs, errors.New("correlation.window must be positive"))
	}
	if c.Campaign.Threshold < 0 || c.Campaign.Threshold > 1 {
		errs = append(errs, fmt.Errorf("campaign.threshold %v out of [0,1]", c.Campaign.Threshold))
	}
	if c.Campaign.MinClusterSize < 2 {
		errs = append(errs, errors.New("campaign.min_cluster_size must be at least 2"))
	}

	names := map[string]bool{}
	for _, cn := range c.Connectors {
		if cn.Name == "" {
			errs = append(errs, errors.New("connector without name"))
			continue
		}
		if names[cn.Name] {
			errs = append(errs, fmt.Errorf("duplicate connector %q", cn.Name))
		}
		names[cn.Name] = true
		if cn.Type == "" {
			errs = append(errs, fmt.Errorf("connector %q: type is required", cn.Name))
		}
		if cn.BaseURL == "" {
			errs = append(errs, fmt.Errorf("connector %q: base_url is required", cn.Name))
		}
		if cn.Token == "" && (cn.Username == "" || cn.Password == "") {
			errs = append(errs, fmt.Errorf("connector %q: token or username/password required", cn.Name))
		}
		if m := cn.Enrichment.Mode; m != "kvstore" && m != "event" {
			errs = append(errs, fmt.Errorf("connector %q: enrichment.mode %q: want kvstore or event", cn.Name, m))
		}
	}

	paths := map[string]bool{}
	hooks := map[string]bool{}
	for _, w := range c.Webhooks {
		if w.Name == "" {
			errs = append(errs, errors.New("webhook without name"))
			continue
		}
		if hooks[w.Name] {
			errs = append(errs, fmt.Errorf("duplicate webhook %q", w.Name))
		}
		hooks[w.Name] = true
		if !strings.HasPrefix(w.Path, "/") {
			errs = append(errs, fmt.Errorf("webhook %q: path must start with /", w.Name))
		}
		if paths[w.Path] {
			errs = append(errs, fmt.Errorf("webhook %q: path %s already mounted", w.Name, w.Path))
		}
		paths[w.Path] = true
		if err := validateWebhookAuth(w); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(w.Algorithm) {
		case "sha1", "sha256", "sha512":
		default:
			errs = append(errs, fmt.Errorf("webhook %q: algorithm %q: want sha1, sha256 or sha512", w.Name, w.Algorithm))
		}
	}

	return errors.Join(errs...)
}

func validateWebhookAuth(w models.WebhookConfig) error {
	a := w.Auth
	switch a.Mode {
	case models.AuthNone:
	case models.AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("webhook %q: bearer auth requires auth.token", w.Name)
		}
	case models.AuthBasic:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("webhook %q: basic auth requires auth.username and auth.password", w.Name)
		}
	case models.AuthHMAC:
		if w.Secret == "" {
			return fmt.Errorf("webhook %q: hmac auth requires secret", w.Name)
		}
	case models.AuthCustom:
		if a.Custom == "" {
			return fmt.Errorf("webhook %q: custom auth requires auth.custom", w.Name)
		}
	default:
		return fmt.Errorf("webhook %q: unknown auth mode %q", w.Name, a.Mode)
	}
	return nil
}
