package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/kafka"
	"github.com/ramiqadoumi/go-agent-flow/internal/notify"
	"github.com/ramiqadoumi/go-agent-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-agent-flow/internal/redis"
	"github.com/ramiqadoumi/go-agent-flow/internal/version"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/config"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/handler"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/middleware"
	"github.com/ramiqadoumi/go-agent-flow/services/scheduler"
)

const (
	resultsGroup  = "orchestrator-results"
	intakeGroup   = "orchestrator-intake"
	leaderKey     = "agentflow:scheduler:leader"
	leaderTTL     = 30 * time.Second
	journalBuffer = 4096
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and its dashboard API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "dashboard API port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().Duration("dispatch-interval", 2*time.Second, "dispatcher tick interval")
	serveCmd.Flags().Duration("escalation-interval", 30*time.Second, "escalation scan interval")
	serveCmd.Flags().Duration("health-interval", 15*time.Second, "unreachable agent health check interval")
	serveCmd.Flags().Int("max-escalations", 3, "escalations before a stalled task fails")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables Kafka")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables Redis")
	serveCmd.Flags().String("amqp-url", "", "RabbitMQ URL for escalation alerts; empty disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("dispatch_interval", serveCmd.Flags(), "dispatch-interval")
	bindFlag("escalation_interval", serveCmd.Flags(), "escalation-interval")
	bindFlag("health_interval", serveCmd.Flags(), "health-interval")
	bindFlag("max_escalations", serveCmd.Flags(), "max-escalations")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("amqp_url", serveCmd.Flags(), "amqp-url")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	viper.SetDefault("default_escalation_threshold", 15*time.Minute)
	viper.SetDefault("invoke_timeout", 10*time.Second)
	viper.SetDefault("retention", 10000)
	viper.SetDefault("autostart", true)
	viper.SetDefault("smtp_port", 587)
	viper.SetDefault("otel_sample_ratio", 1.0)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "orchestrator")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:     "orchestrator",
		Version:     version.Version,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── infrastructure ───────────────────────────────────────────────────────
	var producer kafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()
	}

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
	}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pool, err = postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err == nil {
			err = postgres.Migrate(initCtx, pool, func(name string) {
				logger.Debug("migration applied", slog.String("file", name))
			})
		}
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
	}

	// ── journal ──────────────────────────────────────────────────────────────
	journal := orchestrator.NewAsyncJournal(journalBuffer, logger)
	var fallback []handler.TaskReader
	var repo postgres.TaskRepository
	if redisClient != nil {
		store := redisstore.NewStateStore(redisClient)
		journal.AddRecorder("redis", store)
		fallback = append(fallback, store)
	}
	if pool != nil {
		repo = postgres.NewRepository(pool)
		journal.AddRecorder("postgres", repo)
		fallback = append(fallback, handler.TaskReaderFunc(repo.GetByID))
	}
	journal.Start()

	// ── alerts ───────────────────────────────────────────────────────────────
	alerters := notify.Multi{notify.NewLog(logger)}
	if cfg.SMTPHost != "" && len(cfg.AlertEmailTo) > 0 {
		alerters = append(alerters, notify.NewRetrying(notify.NewEmail(notify.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			To:       cfg.AlertEmailTo,
		}), retry.Config{}))
	}
	if producer != nil && cfg.KafkaAlerts {
		alerters = append(alerters, notify.NewKafka(producer))
	}
	if cfg.AMQPURL != "" {
		mq, err := notify.NewAMQP(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer func() { _ = mq.Close() }()
		alerters = append(alerters, notify.NewRetrying(mq, retry.Config{}))
	}

	// ── engine ───────────────────────────────────────────────────────────────
	registry := capability.NewRegistry()
	if err := registerCapabilities(registry, cfg.Agents, producer, cfg.KafkaBrokers); err != nil {
		return err
	}
	profiles, err := config.Profiles(cfg.Agents)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithAlerter(alerters),
		orchestrator.WithJournal(journal),
		orchestrator.WithTaskTypes(cfg.TaskTypes),
		orchestrator.WithMaxEscalations(cfg.MaxEscalations),
		orchestrator.WithDefaultThreshold(cfg.DefaultThreshold),
		orchestrator.WithInvokeTimeout(cfg.InvokeTimeout),
		orchestrator.WithRetention(cfg.Retention),
	}
	if redisClient != nil && cfg.SubmitRateLimit > 0 {
		opts = append(opts, orchestrator.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.SubmitRateLimit, time.Second)))
	}
	engine, err := orchestrator.NewEngine(profiles, registry, opts...)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if repo != nil {
		loadCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		unfinished, err := repo.ListUnfinished(loadCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		n, err := engine.Restore(unfinished)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		logger.Info("tasks restored", slog.Int("count", n))
	}

	sup := orchestrator.NewSupervisor(engine, orchestrator.Intervals{
		Dispatch:   cfg.DispatchInterval,
		Escalation: cfg.EscalationInterval,
		Health:     cfg.HealthInterval,
	}, logger)
	if cfg.Autostart {
		sup.Start()
	}

	watchAgents(engine, registry, producer, cfg.KafkaBrokers, logger)

	// ── background consumers ─────────────────────────────────────────────────
	var bg sync.WaitGroup
	if producer != nil {
		subscribe(runCtx, &bg, logger, kafka.NewConsumer(cfg.KafkaBrokers, orchestrator.ResultsTopic, resultsGroup, logger),
			orchestrator.ResultsHandler(engine))
		if cfg.KafkaIntake {
			subscribe(runCtx, &bg, logger, kafka.NewConsumer(cfg.KafkaBrokers, orchestrator.IntakeTopic, intakeGroup, logger),
				orchestrator.IntakeHandler(sup, logger))
		}
	}

	if cfg.SchedulerEnabled {
		if pool == nil || redisClient == nil {
			logger.Warn("scheduler needs postgres_dsn and redis_addr, not starting")
		} else {
			jobs := postgres.NewJobRepository(pool)
			for _, j := range cfg.ScheduledJobs {
				if err := jobs.Upsert(runCtx, j); err != nil {
					return fmt.Errorf("seed scheduled job: %w", err)
				}
			}
			instanceID := "orchestrator-" + uuid.New().String()[:8]
			leader := redisstore.NewLeader(redisClient, leaderKey, instanceID, leaderTTL)
			sched := scheduler.NewScheduler(jobs, leader, sup, logger.With(slog.String("instance_id", instanceID)))
			bg.Add(1)
			go func() {
				defer bg.Done()
				sched.Run(runCtx)
			}()
		}
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	ready := readiness(redisClient, pool)
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, ready)

	restHandler := handler.NewREST(sup, engine, logger,
		handler.WithFallback(fallback...),
		handler.WithReady(ready.Ready),
	)
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))
	restHandler.Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("orchestrator HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("version", version.String()),
			slog.Int("agents", len(profiles)),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}

	sup.Stop()
	runCancel()
	bg.Wait()
	engine.Wait()
	if err := journal.Close(shutCtx); err != nil {
		logger.Error("journal drain incomplete", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// subscribe runs one consumer until ctx is cancelled.
func subscribe(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, c kafka.Consumer, h kafka.HandlerFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = c.Close() }()
		if err := c.Subscribe(ctx, h); err != nil {
			logger.Error("kafka consumer stopped", slog.String("error", err.Error()))
		}
	}()
}

// watchAgents reapplies the agents list whenever the config file changes.
// A file that fails to decode or validate leaves the running profiles alone.
func watchAgents(engine *orchestrator.Engine, reg *capability.Registry, producer kafka.Producer, brokers []string, logger *slog.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		entries, profiles, err := config.LoadAgents(viper.GetViper())
		if err == nil {
			err = registerCapabilities(reg, entries, producer, brokers)
		}
		if err == nil {
			err = engine.UpsertAgents(profiles)
		}
		if err != nil {
			logger.Error("config reload rejected", slog.String("file", e.Name), slog.String("error", err.Error()))
			return
		}
		logger.Info("agent profiles reloaded", slog.String("file", e.Name), slog.Int("agents", len(profiles)))
	})
	viper.WatchConfig()
}

func readiness(rc *goredis.Client, pool *pgxpool.Pool) telemetry.Checks {
	checks := telemetry.Checks{}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	return checks
}
