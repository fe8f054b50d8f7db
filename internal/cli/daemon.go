package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/threatlink/common/database"
	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/common/messaging"
	natsclient "github.com/telhawk-systems/threatlink/common/messaging/nats"
	"github.com/telhawk-systems/threatlink/internal/campaign"
	"github.com/telhawk-systems/threatlink/internal/config"
	"github.com/telhawk-systems/threatlink/internal/connector"
	"github.com/telhawk-systems/threatlink/internal/correlation"
	"github.com/telhawk-systems/threatlink/internal/dlq"
	"github.com/telhawk-systems/threatlink/internal/events"
	"github.com/telhawk-systems/threatlink/internal/gateway"
	"github.com/telhawk-systems/threatlink/internal/handlers"
	"github.com/telhawk-systems/threatlink/internal/ratelimit"
	"github.com/telhawk-systems/threatlink/internal/repository"
	"github.com/telhawk-systems/threatlink/internal/scheduler"
	"github.com/telhawk-systems/threatlink/internal/server"
	"github.com/telhawk-systems/threatlink/internal/service"
	"github.com/telhawk-systems/threatlink/internal/storage"
	"github.com/telhawk-systems/threatlink/internal/webhookstats"
	"github.com/telhawk-systems/threatlink/migrations"
)

// daemon is the wired server process.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	repo     repository.Repository
	archive  *storage.Archive
	js       *natsclient.JetStreamClient
	bus      *events.Bus
	queue    dlq.Queue
	rdb      *redis.Client
	usage    *webhookstats.Collector
	engine   *correlation.Engine
	svc      *service.Service
	manager  *connector.Manager
	pusher   *connector.Pusher
	gateways []*gateway.Gateway
	sched    *scheduler.Scheduler
	handler  http.Handler
	server   *server.Server

	closeOnce sync.Once
}

// newDaemon connects to every configured backend and wires the pipeline.
// Optional backends that cannot be reached are logged and skipped; the
// repository and the configured DLQ are required.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logging.OrDiscard(logger)}
	steps := []func(context.Context) error{
		d.openRepository,
		d.openMessaging,
		d.openDLQ,
		d.openRedis,
		d.openArchive,
		d.buildPipeline,
		d.buildConnectors,
		d.buildScheduler,
		d.buildHTTP,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) openRepository(ctx context.Context) error {
	switch d.cfg.Database.Type {
	case "", "memory":
		d.repo = repository.NewMemoryRepository()
		d.logger.Warn("using in-memory repository; state is lost on restart")
	case "postgres":
		dsn := d.cfg.Database.Postgres.DSN()
		if d.cfg.Database.MigrateOnStart {
			if err := database.Migrate(dsn, migrations.FS); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			d.logger.Info("database migrations applied")
		}
		repo, err := repository.NewPostgresRepository(ctx, dsn, database.PoolOptions{
			MaxConns: d.cfg.Database.Postgres.MaxConns,
		})
		if err != nil {
			return err
		}
		d.repo = repo
	default:
		return fmt.Errorf("unknown database type %q (supported: memory, postgres)", d.cfg.Database.Type)
	}
	return nil
}

func (d *daemon) natsConfig() natsclient.Config {
	nc := natsclient.DefaultConfig()
	nc.URL = d.cfg.NATS.URL
	nc.MaxReconnects = d.cfg.NATS.MaxReconnects
	if d.cfg.NATS.ReconnectWait > 0 {
		nc.ReconnectWait = d.cfg.NATS.ReconnectWait
	}
	return nc
}

func (d *daemon) openMessaging(ctx context.Context) error {
	d.bus = events.Nop()
	jetstreamDLQ := d.cfg.DLQ.Enabled && (d.cfg.DLQ.Backend == "" || d.cfg.DLQ.Backend == "jetstream")
	if !d.cfg.NATS.Enabled && !jetstreamDLQ {
		d.logger.Info("NATS disabled; pipeline events are not published")
		return nil
	}

	js, err := natsclient.NewJetStreamClient(d.natsConfig(), d.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	d.js = js

	if d.cfg.NATS.Enabled {
		if d.cfg.NATS.Durable {
			if _, err := js.CreateOrUpdateStream(ctx, natsclient.EventsStream); err != nil {
				return fmt.Errorf("failed to create events stream: %w", err)
			}
		}
		d.bus = events.NewBus(js, d.logger)
		d.logger.Info("publishing pipeline events", slog.String("nats_url", d.cfg.NATS.URL))
	}
	return nil
}

func (d *daemon) openDLQ(ctx context.Context) error {
	if !d.cfg.DLQ.Enabled {
		d.logger.Info("dead letter queue disabled")
		return nil
	}
	q, err := openQueue(ctx, d.cfg, d.js, d.logger)
	if err != nil {
		return err
	}
	d.queue = q
	d.logger.Info("dead letter queue enabled", slog.String("backend", d.cfg.DLQ.Backend))
	return nil
}

// openQueue opens the configured DLQ backend. js may be nil for the file
// backend.
func openQueue(ctx context.Context, cfg *config.Config, js *natsclient.JetStreamClient, logger *slog.Logger) (dlq.Queue, error) {
	switch cfg.DLQ.Backend {
	case "jetstream", "":
		if js == nil {
			return nil, errors.New("jetstream dlq requires a NATS connection")
		}
		q, err := dlq.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JetStream DLQ: %w", err)
		}
		return q, nil
	case "file":
		q, err := dlq.NewFileQueue(cfg.DLQ.BasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file DLQ: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown DLQ backend %q (supported: jetstream, file)", cfg.DLQ.Backend)
	}
}

func (d *daemon) openRedis(ctx context.Context) error {
	if !d.cfg.Redis.Enabled {
		d.logger.Info("redis disabled; rate limits are per instance and webhook stats are off")
		return nil
	}
	opt, err := redis.ParseURL(d.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	if d.cfg.Redis.MaxRetries > 0 {
		opt.MaxRetries = d.cfg.Redis.MaxRetries
	}
	if d.cfg.Redis.PoolSize > 0 {
		opt.PoolSize = d.cfg.Redis.PoolSize
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		d.logger.Warn("redis unreachable; continuing with in-memory rate limits", logging.Error(err))
		return nil
	}
	d.rdb = rdb
	d.usage = webhookstats.NewCollector(webhookstats.NewClient(rdb, instanceID()), 30*time.Second, d.logger)
	return nil
}

func instanceID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (d *daemon) openArchive(ctx context.Context) error {
	if !d.cfg.OpenSearch.Enabled {
		return nil
	}
	sc := storage.DefaultConfig()
	sc.URL = d.cfg.OpenSearch.URL
	sc.Username = d.cfg.OpenSearch.Username
	sc.Password = d.cfg.OpenSearch.Password
	sc.TLSSkipVerify = d.cfg.OpenSearch.TLSSkipVerify
	if d.cfg.OpenSearch.IndexPrefix != "" {
		sc.IndexPrefix = d.cfg.OpenSearch.IndexPrefix
	}
	if d.cfg.OpenSearch.FlushBytes > 0 {
		sc.FlushBytes = d.cfg.OpenSearch.FlushBytes
	}
	if d.cfg.OpenSearch.FlushInterval > 0 {
		sc.FlushInterval = d.cfg.OpenSearch.FlushInterval
	}

	archive, err := storage.NewArchive(sc, d.logger)
	if err != nil {
		return fmt.Errorf("failed to create alert archive: %w", err)
	}
	if err := archive.Initialize(ctx); err != nil {
		d.logger.Warn("alert archive not initialized; archiving will retry per batch", logging.Error(err))
	}
	d.archive = archive
	return nil
}

func (d *daemon) buildPipeline(context.Context) error {
	c := d.cfg
	d.engine = correlation.NewEngine(d.repo, correlation.Config{
		Weights: correlation.Weights{
			Indicator: c.Correlation.IndicatorWeight,
			Technique: c.Correlation.TechniqueWeight,
			Temporal:  c.Correlation.TemporalWeight,
		},
		Window:      c.Correlation.Window,
		MinScore:    c.Correlation.MinScore,
		LockStripes: c.Correlation.LockStripes,
	}, d.logger)
	detector := campaign.NewDetector(d.repo, campaign.Config{
		Threshold:      c.Campaign.Threshold,
		MinClusterSize: c.Campaign.MinClusterSize,
		MergeOverlap:   c.Campaign.MergeOverlap,
	}, d.logger)

	opts := service.Options{
		Events:         d.bus,
		OnCorrelations: d.pushEnrichment,
		Logger:         d.logger,
	}
	if d.archive != nil {
		opts.Archive = d.archive
	}
	svc, err := service.New(d.repo, d.engine, detector, service.Config{
		QueueSize:      c.Pipeline.QueueSize,
		BatchSize:      c.Pipeline.BatchSize,
		BatchWait:      c.Pipeline.BatchWait,
		DedupeSize:     c.Pipeline.DedupeSize,
		AnalysisWindow: c.Pipeline.AnalysisWindow,
	}, opts)
	if err != nil {
		return err
	}
	d.svc = svc
	return nil
}

// pushEnrichment queues new correlations for enrichment-enabled sources. It
// runs on the analysis worker and does not wait for the vendors.
func (d *daemon) pushEnrichment(_ context.Context, res correlation.Result) {
	if d.pusher == nil {
		return
	}
	d.pusher.Enqueue(connector.Enrichment{
		RunID:        res.RunID,
		Generated:    time.Now().UTC(),
		Correlations: res.Correlations,
	})
}

func (d *daemon) buildConnectors(context.Context) error {
	m, err := connector.NewManager(d.cfg.Connectors, nil, d.svc, connector.SourceOptions{
		Events: d.bus,
		DLQ:    d.queue,
		Logger: d.logger,
	})
	if err != nil {
		return err
	}
	d.manager = m
	d.pusher = connector.NewPusher(m, connector.DefaultPushQueue, connector.DefaultPushTimeout, d.logger)
	return nil
}

func (d *daemon) buildScheduler(context.Context) error {
	sc := d.cfg.Schedule
	if !sc.Enabled {
		return nil
	}
	reanalyzer := correlation.NewReanalyzer(d.repo, d.engine, sc.PageSize, sc.PageDelay, d.logger)
	s, err := scheduler.New(scheduler.Config{
		Detection:  sc.Detection,
		Reanalysis: sc.Reanalysis,
		Lookback:   sc.ReanalysisLookback,
		Timeout:    time.Hour,
	}, scheduler.Jobs{
		Detect: func(ctx context.Context) error {
			_, err := d.svc.DetectCampaigns(ctx)
			return err
		},
		Reanalyze: func(ctx context.Context, since time.Time) error {
			res, err := reanalyzer.Run(ctx, since)
			if err != nil {
				return err
			}
			d.logger.InfoContext(ctx, "re-analysis finished",
				slog.Int("pages", res.Pages),
				slog.Int("alerts", res.Alerts),
				slog.Int("correlations", res.CorrelationsFound))
			return nil
		},
	}, d.logger)
	if err != nil {
		return err
	}
	d.sched = s
	return nil
}

func (d *daemon) buildHTTP(context.Context) error {
	routes := server.Routes{
		Health: handlers.NewHealth(d.checks()),
	}
	names := make([]string, 0, len(d.cfg.Webhooks))
	for _, w := range d.cfg.Webhooks {
		opts := gateway.Options{DLQ: d.queue, Logger: d.logger}
		if d.rdb != nil {
			opts.Limiter = ratelimit.NewRedisRateLimiterWithClient(d.rdb, w.Name, ratelimit.Limits{
				PerMinute: w.RateLimit.PerMinute,
				PerHour:   w.RateLimit.PerHour,
			})
		}
		gw, err := gateway.New(w, d.svc, opts)
		if err != nil {
			return err
		}
		d.gateways = append(d.gateways, gw)

		h := handlers.NewWebhookHandler(gw, d.cfg.Server.TrustProxy, d.cfg.Server.MaxBodyBytes, d.logger)
		if d.usage != nil {
			h.WithUsage(d.usage)
		}
		routes.Webhooks = append(routes.Webhooks, h)
		routes.WebhookPaths = append(routes.WebhookPaths, w.Path)
		names = append(names, w.Name)
	}

	api := handlers.NewHandler(d.svc, d.repo, d.manager, d.logger)
	if d.usage != nil {
		api.WithWebhookStats(d.usage, names)
	}
	routes.API = api

	h, err := server.NewRouter(routes, d.logger)
	if err != nil {
		return err
	}
	d.handler = h
	d.server = server.New(d.cfg.Server, h, d.logger)
	return nil
}

func (d *daemon) checks() map[string]handlers.Check {
	checks := map[string]handlers.Check{"repository": d.repo.Ping}
	if d.archive != nil {
		checks["archive"] = d.archive.Ping
	}
	if d.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return d.rdb.Ping(ctx).Err() }
	}
	if d.js != nil {
		checks["nats"] = func(context.Context) error {
			if st := messaging.CheckClientHealth(d.js); !st.Connected || st.Error != "" {
				return errors.New(st.Error)
			}
			return nil
		}
	}
	return checks
}

// run serves until ctx is cancelled, then shuts everything down in reverse
// dependency order.
func (d *daemon) run(ctx context.Context, l net.Listener) error {
	defer d.close()

	d.svc.Start(ctx)
	if err := d.manager.Start(ctx); err != nil {
		return err
	}
	if d.sched != nil {
		d.sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if l != nil {
			return d.server.Serve(l)
		}
		return d.server.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.server.Shutdown(context.Background())
	})
	return g.Wait()
}

// close releases everything opened so far. It is safe on a partly built
// daemon and idempotent.
func (d *daemon) close() {
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if d.sched != nil {
			if err := d.sched.Stop(ctx); err != nil {
				d.logger.Warn("scheduler did not stop cleanly", logging.Error(err))
			}
		}
		if d.pusher != nil {
			d.pusher.Close(ctx)
		}
		if d.manager != nil {
			d.manager.Stop()
		}
		if d.svc != nil {
			d.svc.Stop()
		}
		for _, gw := range d.gateways {
			_ = gw.Close()
		}
		if d.usage != nil {
			d.usage.Stop()
		}
		if d.rdb != nil {
			_ = d.rdb.Close()
		}
		if d.js != nil {
			_ = d.js.Close()
		}
		if d.repo != nil {
			_ = d.repo.Close()
		}
		d.logger.Info("threatlink stopped")
	})
}
