// Package app wires the StudyMate chat server runtime: config, logging,
// storage backends, background workers and the HTTP/WebSocket surface.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/auth/session"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/httpapi"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/messages"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/metrics"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/notify"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/presence"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/realtime"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/rooms"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/scheduler"
)

// App owns the process-scoped services and their lifecycles.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	redis redis.UniversalClient

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	manager   *realtime.Manager
	tracker   *presence.Tracker
	files     *attachments.Pipeline
	scheduler *scheduler.Service
	fanout    *notify.Fanout

	ws  *realtime.WSGateway
	api *httpapi.Handler
}

// backends groups the store implementations chosen for this process.
type backends struct {
	rooms    rooms.Directory
	messages messages.Store
	receipts presence.ReceiptStore
	meta     attachments.MetaStore
	objects  attachments.ObjectStore
	entries  scheduler.EntryStore
	tokens   notify.TokenStore
}

// New constructs a fully wired App. Postgres, Redis and S3 are used when
// configured; otherwise the in-memory implementations serve a single process.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.pool = pool
	}
	if len(cfg.RedisAddrs) > 0 {
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.redis = client
	}

	b, err := a.newBackends(ctx)
	if err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	verifier, err := session.NewPasetoV4(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	instance := cfg.InstanceID
	if instance == "" {
		host, _ := os.Hostname()
		instance = host + "-" + ids.MustULID(time.Now().UTC())
	}
	trackerOpts := []presence.Option{presence.WithLogger(log)}
	if a.redis != nil {
		mirror, err := presence.NewRedisMirror(a.redis, instance)
		if err != nil {
			return nil, err
		}
		trackerOpts = append(trackerOpts, presence.WithMirror(mirror))
	}
	a.tracker = presence.NewTracker(b.receipts, trackerOpts...)

	fileOpts := []attachments.Option{attachments.WithLogger(log), attachments.WithMetrics(a.metrics)}
	if cfg.AttachmentKeyHex != "" {
		master, err := hex.DecodeString(cfg.AttachmentKeyHex)
		if err != nil {
			return nil, fmt.Errorf("STUDYMATE_ATTACHMENT_KEY_HEX: %w", err)
		}
		keys, err := attachments.NewKeyring(master, cfg.AttachmentKeyRef)
		if err != nil {
			return nil, err
		}
		fileOpts = append(fileOpts, attachments.WithKeyring(keys))
	}
	fileCfg := attachments.DefaultConfig()
	fileCfg.MaxBytes = cfg.AttachmentMaxSize
	fileCfg.SweepCron = cfg.AttachmentSweepCron
	fileCfg.KeyPrefix = cfg.AttachmentKeyPrefix
	a.files, err = attachments.NewPipeline(fileCfg, b.objects, b.meta, fileOpts...)
	if err != nil {
		return nil, err
	}

	var pusher notify.Pusher = notify.LogPusher{Log: log}
	if !cfg.PushLogOnly {
		var expoOpts []notify.ExpoOption
		if cfg.ExpoURL != "" {
			expoOpts = append(expoOpts, notify.WithExpoURL(cfg.ExpoURL))
		}
		if cfg.ExpoAccessToken != "" {
			expoOpts = append(expoOpts, notify.WithExpoAccessToken(cfg.ExpoAccessToken))
		}
		pusher = notify.NewExpoPusher(cfg.PushTimeout, expoOpts...)
	}
	a.fanout, err = notify.NewFanout(notify.Config{
		Workers:   cfg.PushWorkers,
		QueueSize: cfg.PushQueueSize,
		Timeout:   cfg.PushTimeout,
	}, b.rooms, b.tokens, pusher, notify.WithLogger(log), notify.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	a.manager, err = realtime.NewManager(realtime.Config{
		SendQueue:        cfg.SendQueue,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		MaxInlineBytes:   cfg.MaxInlineBytes,
	}, b.rooms, b.messages, a.tracker,
		realtime.WithAttachments(a.files),
		realtime.WithNotifier(a.fanout),
		realtime.WithLogger(log),
		realtime.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	a.files.SetExpirer(a.manager)

	a.scheduler, err = scheduler.NewService(scheduler.Config{
		Workers:  cfg.SchedulerWorkers,
		Interval: cfg.SchedulerInterval,
	}, b.entries, b.messages, b.rooms,
		scheduler.WithLogger(log),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithWorkerID("sched-"+instance),
	)
	if err != nil {
		return nil, err
	}
	a.scheduler.SetDeliverer(a.manager)

	a.ws, err = realtime.NewWSGateway(log, a.manager, verifier, realtime.LoadGatewayConfigFromEnv())
	if err != nil {
		return nil, err
	}
	a.api, err = httpapi.NewHandler(log, httpapi.LoadConfigFromEnv(), httpapi.Deps{
		Auth:      verifier,
		Rooms:     b.rooms,
		Messages:  b.messages,
		Chat:      a.manager,
		Presence:  a.tracker,
		Files:     a.files,
		Scheduler: a.scheduler,
		Tokens:    b.tokens,
	})
	if err != nil {
		return nil, err
	}

	log.Info("app.ready",
		"instance", instance,
		"db_enabled", a.pool != nil,
		"redis_enabled", a.redis != nil,
		"s3_enabled", cfg.S3.Enabled(),
		"push_log_only", cfg.PushLogOnly,
	)
	ok = true
	return a, nil
}

func (a *App) newBackends(ctx context.Context) (backends, error) {
	var b backends

	if a.pool == nil {
		a.log.Info("db.disabled.inmemory_store")
		dir := rooms.NewInMemoryDirectory()
		b.rooms = dir
		b.messages = messages.NewInMemoryStore(dir)
		b.receipts = presence.NewMemoryReceiptStore()
		b.meta = attachments.NewMemoryMetaStore()
		b.entries = scheduler.NewMemoryEntryStore()
		b.tokens = notify.NewMemoryTokenStore()
	} else {
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
		schema := a.cfg.DBSchema
		var err error
		if b.rooms, err = rooms.NewPostgresDirectory(a.pool, rooms.WithSchema(schema)); err != nil {
			return backends{}, err
		}
		if b.messages, err = messages.NewPostgresStore(a.pool, messages.WithSchema(schema)); err != nil {
			return backends{}, err
		}
		if b.receipts, err = presence.NewPostgresReceiptStore(a.pool, presence.WithSchema(schema)); err != nil {
			return backends{}, err
		}
		if b.meta, err = attachments.NewPostgresMetaStore(a.pool, attachments.WithSchema(schema)); err != nil {
			return backends{}, err
		}
		if b.entries, err = scheduler.NewPostgresEntryStore(a.pool, scheduler.WithSchema(schema)); err != nil {
			return backends{}, err
		}
		if b.tokens, err = notify.NewPostgresTokenStore(a.pool, notify.WithSchema(schema)); err != nil {
			return backends{}, err
		}
	}

	if a.redis != nil {
		cached, err := notify.NewCachedTokens(b.tokens, a.redis, a.cfg.PushTokenCacheTTL, a.log)
		if err != nil {
			return backends{}, err
		}
		b.tokens = cached
	}

	if a.cfg.S3.Enabled() {
		s3, err := attachments.NewS3ObjectStore(a.cfg.S3)
		if err != nil {
			return backends{}, err
		}
		if err := s3.EnsureBucket(ctx, a.cfg.S3.Region); err != nil {
			return backends{}, fmt.Errorf("s3 bucket: %w", err)
		}
		b.objects = s3
	} else {
		a.log.Info("s3.disabled.inmemory_objects")
		b.objects = attachments.NewMemoryObjectStore()
	}
	return b, nil
}

// Run serves HTTP and runs the background workers until ctx is cancelled or
// any of them fails. Live connections are closed before the server drains.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 60*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.manager.RunReaper(gctx) })
	g.Go(func() error { return a.tracker.RunMirror(gctx, a.cfg.PresenceMirrorInterval) })
	g.Go(func() error { return a.files.RunSweeper(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.fanout.Run(gctx) })

	g.Go(func() error {
		base := runtimeBaseURL(a.cfg.HTTPAddr)
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "base_url", base, "ws_url", wsBaseURL(base)+a.cfg.WSPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		a.manager.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownGracePeriod, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
