package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/coderun/dispatcher/internal/api/dataplane"
	"github.com/coderun/dispatcher/internal/backend/docker"
	"github.com/coderun/dispatcher/internal/backend/kubernetes"
	"github.com/coderun/dispatcher/internal/cache"
	"github.com/coderun/dispatcher/internal/cleanup"
	"github.com/coderun/dispatcher/internal/config"
	"github.com/coderun/dispatcher/internal/dispatcher"
	"github.com/coderun/dispatcher/internal/eventbus"
	"github.com/coderun/dispatcher/internal/filestore"
	"github.com/coderun/dispatcher/internal/jobexecutor"
	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/metrics"
	"github.com/coderun/dispatcher/internal/objectstore"
	"github.com/coderun/dispatcher/internal/orchestrator"
	"github.com/coderun/dispatcher/internal/pool"
	"github.com/coderun/dispatcher/internal/sandbox"
	"github.com/coderun/dispatcher/internal/sessionaudit"
	"github.com/coderun/dispatcher/internal/sessionreg"
	"github.com/coderun/dispatcher/internal/statearchive"
	"github.com/coderun/dispatcher/internal/statecache"
	"github.com/coderun/dispatcher/internal/tracing"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		backendName string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the coderun dispatcher daemon",
		Long:  "Run coderun as a daemon serving the session-execution dataplane API, backed by warm sandbox pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("redis-pass") {
				cfg.Redis.Password = redisPass
			}
			if cmd.Flags().Changed("redis-db") {
				cfg.Redis.DB = redisDB
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("backend") {
				cfg.Daemon.Backend = backendName
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()

			if err := tracing.Init(ctx, tracing.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			mx := metrics.Init(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)

			if cfg.Observability.OutputCapture.Enabled {
				if err := logging.InitOutputStore(
					cfg.Observability.OutputCapture.StorageDir,
					cfg.Observability.OutputCapture.MaxSize,
					cfg.Observability.OutputCapture.RetentionS,
				); err != nil {
					logging.Op().Warn("failed to init output capture", "error", err)
				}
			}

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer redisClient.Close()

			var auditSink sessionreg.AuditSink
			var audit *sessionaudit.Sink
			if cfg.Postgres.Enabled {
				var err error
				audit, err = sessionaudit.New(ctx, cfg.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("init session audit: %w", err)
				}
				auditSink = audit
				defer audit.Close()
			}
			sessions := sessionreg.New(redisClient, cfg.Session.TTL, auditSink)

			objects, err := objectstore.New(ctx, objectstore.Config{
				Endpoint:        cfg.S3.Endpoint,
				Region:          cfg.S3.Region,
				Bucket:          cfg.S3.Bucket,
				AccessKeyID:     cfg.S3.AccessKeyID,
				SecretAccessKey: cfg.S3.SecretAccessKey,
				ForcePathStyle:  cfg.S3.ForcePathStyle,
			})
			if err != nil {
				return fmt.Errorf("init object store: %w", err)
			}

			files := filestore.New(redisClient, objects, cfg.Session.TTL)

			// The hot-state L1/L2 tiered cache keeps small, frequently-read
			// session blobs off the Redis round trip; CacheInvalidator fans a
			// Redis pub/sub message to every replica's L1 on write so a
			// multi-replica deployment never serves a stale local copy.
			l1 := cache.NewInMemoryCache()
			l2 := cache.NewRedisCacheFromClient(redisClient, "statecache:")
			tiered := cache.NewTieredCache(l1, l2, cfg.State.HotTTL)
			invalidator := cache.NewCacheInvalidator(l1, redisClient)
			go invalidator.Start(ctx)
			defer invalidator.Close()

			hotState := statecache.New(tiered, cfg.State.HotTTL)
			coldState := statearchive.New(objects, hotState, cfg.State.ColdTTL)

			var be sandbox.Backend
			switch cfg.Daemon.Backend {
			case "kubernetes", "k8s":
				logging.Op().Info("using Kubernetes backend")
				kb, err := kubernetes.New(kubernetes.DefaultConfig())
				if err != nil {
					return fmt.Errorf("init kubernetes backend: %w", err)
				}
				be = kb
			default:
				logging.Op().Info("using Docker backend")
				db, err := docker.New(docker.DefaultConfig())
				if err != nil {
					return fmt.Errorf("init docker backend: %w", err)
				}
				be = db
			}

			langs, poolCfg := cfg.Pool.ToManagerConfig()
			poolMgr := pool.NewManager(be, langs, poolCfg)
			poolMgr.Start()
			defer poolMgr.Stop(context.Background())

			jobExec := jobexecutor.New(be, poolMgr, jobexecutor.Config{
				ReadyTimeout:     cfg.Job.ReadyTimeout,
				Deadline:         cfg.Job.Deadline,
				TTLAfterFinished: cfg.Job.TTLAfterFinished,
			})

			bus := eventbus.New()

			dispatch := dispatcher.New(poolMgr, jobExec, bus, mx)

			languageNames := make([]string, 0, len(cfg.Pool.Languages))
			for lang := range cfg.Pool.Languages {
				languageNames = append(languageNames, lang)
			}

			orch := orchestrator.New(sessions, files, dispatch, hotState, coldState, bus, mx, orchestrator.Config{
				Languages:          languageNames,
				StatePersistence:   cfg.State.PersistenceEnabled,
				CaptureOnError:     cfg.State.CaptureOnError,
				DefaultTimeoutSecs: 30,
			})

			sessionSource := newSessionSourceAdapter(sessions, cfg.State.ColdTTL/10)
			cleaner := cleanup.New(bus, files, coldState, sessionSource, mx, cfg.State.ArchiveCheckInterval, cfg.State.OrphanCheckInterval)
			cleaner.Start()
			defer cleaner.Stop()

			expiryDone := startExpirySweeper(sessions, bus, cfg.Session.CleanupInterval)
			defer close(expiryDone)

			handler := &dataplane.Handler{
				Orchestrator: orch,
				HotState:     hotState,
				ColdState:    coldState,
				Files:        files,
				Sessions:     sessions,
				Bus:          bus,
			}

			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)
			if cfg.Observability.Metrics.Enabled {
				mux.Handle("GET /metrics", mx.Handler())
			}
			mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server stopped", "error", err)
					}
				}()
				logging.Op().Info("dataplane HTTP API started", "addr", cfg.Daemon.HTTPAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address")
	cmd.Flags().StringVar(&backendName, "backend", "", "Sandbox backend: docker or kubernetes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// startExpirySweeper periodically reaps Redis-index entries whose hash has
// already expired (a session gone from Redis's TTL but still listed in the
// index), keeping List/ListByEntity from returning ghosts. Each expired
// session it deletes is published as SessionDeleted{Reason: "ttl_expired"}.
// Returns a channel whose close stops the loop.
func startExpirySweeper(sessions *sessionreg.Registry, bus *eventbus.Bus, interval time.Duration) chan struct{} {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := sessions.CleanupExpired(ctx, func(_ context.Context, s sessionreg.Session) {
					bus.Publish(context.Background(), eventbus.SessionDeleted{SessionID: s.ID, Reason: "ttl_expired"})
				})
				cancel()
				if err != nil {
					logging.Op().Warn("session expiry sweep failed", "error", err)
				} else if n > 0 {
					logging.Op().Info("session expiry sweep reaped entries", "count", n)
				}
			}
		}
	}()
	return done
}
