package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/cadence/internal/config"
	"github.com/wisbric/cadence/internal/httpserver"
	"github.com/wisbric/cadence/internal/platform"
	"github.com/wisbric/cadence/internal/telemetry"
	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/email"
	"github.com/wisbric/cadence/pkg/events"
	"github.com/wisbric/cadence/pkg/execlog"
	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/llm"
	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/mutation"
	"github.com/wisbric/cadence/pkg/notify"
	"github.com/wisbric/cadence/pkg/scheduler"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/sms"
	"github.com/wisbric/cadence/pkg/tenantprofile"
	"github.com/wisbric/cadence/pkg/timeops"
	"github.com/wisbric/cadence/pkg/umbrella"
	"github.com/wisbric/cadence/pkg/variant"
	"github.com/wisbric/cadence/pkg/voice"
	"github.com/wisbric/cadence/pkg/webhooks"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cadence",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI serves the webhook intake surface plus health and metrics.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	clock := timeops.SystemClock{}
	bus := jobbus.NewBus(rdb, logger, clock)
	ucm := umbrella.NewManager(rdb, logger, clock)
	resolver := umbrella.NewResolver(db)
	profiles := tenantprofile.NewStore(db)
	contacts := contact.NewStore(db)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, db, rdb, metricsReg)

	webhookHandler := webhooks.NewHandler(bus, ucm, resolver, profiles, contacts, cfg.WebhookSigningSecret, logger)
	srv.Router.Mount("/webhooks", webhookHandler.Routes())

	if cfg.WebhookSigningSecret == "" {
		logger.Warn("webhook signature verification disabled (WEBHOOK_SIGNING_SECRET not set)")
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker starts the scheduler, the channel workers, the event processor,
// and the healing consumer, then drains them all on shutdown.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	clock := timeops.SystemClock{}
	bus := jobbus.NewBus(rdb, logger, clock)
	ucm := umbrella.NewManager(rdb, logger, clock)
	resolver := umbrella.NewResolver(db)

	seqStore := sequence.NewStore(db)
	contacts := contact.NewStore(db)
	profiles := tenantprofile.NewStore(db)
	interactions := interaction.NewStore(db)
	variants := variant.NewStore(db)
	mutations := mutation.NewStore(db)

	execWriter := execlog.NewWriter(db, logger)
	execWriter.Start(ctx)
	defer execWriter.Close()

	// LLM client with the deterministic fallback underneath.
	var primary llm.Client
	if cfg.AnthropicAPIKey != "" {
		primary = llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
		logger.Info("llm enabled", "model", cfg.AnthropicModel)
	} else {
		logger.Info("llm disabled (ANTHROPIC_API_KEY not set); keyword analyzer active, mutation off")
	}
	llmClient := llm.NewWithFallback(primary, logger)

	// Operator notifications.
	registry := notify.NewRegistry()
	slackNotifier := notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackNotifyChannel, logger)
	if slackNotifier.IsEnabled() {
		registry.Register(slackNotifier)
		logger.Info("slack notifications enabled", "channel", cfg.SlackNotifyChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}
	notifier := notify.NewService(notify.NewStore(db), registry, logger)

	// Self-healer.
	healer := healing.NewHealer(seqStore, contacts, healing.NewLogStore(db), clock, logger)

	// Content mutation.
	mutator := mutation.NewMutator(llmClient, mutations, cfg.MutationMinConfidence, logger)

	// Conversation memory.
	memBuilder := memory.NewBuilder(interactions, clock, logger)

	// Scheduler.
	engine := scheduler.NewEngine(
		seqStore, contacts, profiles, memBuilder, variants, mutator, healer,
		bus, execWriter, clock, rand.New(rand.NewSource(time.Now().UnixNano())),
		scheduler.Config{
			PollInterval: cfg.PollInterval(),
			BatchSize:    cfg.BatchSize,
		}, logger,
	)

	// Channel workers.
	voiceWorker := voice.NewWorker(bus, resolver, ucm,
		voice.NewHTTPProvider(cfg.VoiceProviderBaseURL),
		interactions, &voiceExecAdapter{w: execWriter},
		voice.Config{
			Concurrency: cfg.VoiceConcurrency,
			RetryDelay:  cfg.VoiceRetryDelay(),
			MaxRetries:  cfg.VoiceMaxRetries,
		}, logger)
	smsWorker := sms.NewWorker(bus,
		sms.NewHTTPProvider(cfg.SMSProviderBaseURL, cfg.SMSProviderAPIKey),
		interactions, logger)
	emailWorker := email.NewWorker(bus,
		email.NewHTTPProvider(cfg.EmailProviderBaseURL, cfg.EmailProviderAPIKey, cfg.EmailFromAddress),
		interactions, logger)

	// Event processor and healing consumer.
	processor := events.NewProcessor(bus, seqStore, contacts, interactions, ucm,
		events.NewPGDeduper(db), llmClient, notifier, mutations, variants, clock, logger)
	healingConsumer := healing.NewConsumer(bus, healer, seqStore, contacts, logger)

	// Queue depth gauges.
	bus.StartDepthGauge(ctx, logger,
		[]string{jobbus.QueueSMS, jobbus.QueueEmail, jobbus.QueueVoice, jobbus.QueueEvents, jobbus.QueueHealing},
		func(queue string, depth int64) {
			telemetry.QueueDepth.WithLabelValues(queue).Set(float64(depth))
		})

	hostname, _ := os.Hostname()
	logger.Info("worker started", "host", hostname)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		umbrella.RunSyncWatchdog(gctx, ucm, resolver, umbrella.DefaultSyncHorizon, logger)
		return nil
	})
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return voiceWorker.Run(gctx) })
	g.Go(func() error { return smsWorker.Run(gctx) })
	g.Go(func() error { return emailWorker.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return healingConsumer.Run(gctx) })

	err := g.Wait()
	logger.Info("worker stopped")
	return err
}

// voiceExecAdapter bridges the voice worker's execution entries onto the
// shared async writer.
type voiceExecAdapter struct {
	w *execlog.Writer
}

func (a *voiceExecAdapter) Log(e voice.ExecEntry) {
	a.w.Log(execlog.Entry{
		TenantID:     e.TenantID,
		EnrollmentID: e.EnrollmentID,
		StepID:       e.StepID,
		Action:       e.Action,
		Status:       e.Status,
		ProviderID:   e.ProviderID,
		Detail:       e.Detail,
	})
}
