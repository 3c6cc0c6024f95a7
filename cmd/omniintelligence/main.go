// OmniIntelligence - event-driven pattern-lifecycle and dispatch runtime
// plugin. Wires the database, message bus, contract registry, and plugin
// lifecycle, then serves an operational HTTP surface alongside it.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/omninode-ai/omniintelligence/internal/config"
	"github.com/omninode-ai/omniintelligence/internal/obs"
	"github.com/omninode-ai/omniintelligence/pkg/bus"
	"github.com/omninode-ai/omniintelligence/pkg/compute"
	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/dispatch"
	"github.com/omninode-ai/omniintelligence/pkg/feedback"
	"github.com/omninode-ai/omniintelligence/pkg/fsm"
	"github.com/omninode-ai/omniintelligence/pkg/handlers"
	"github.com/omninode-ai/omniintelligence/pkg/httpapi"
	"github.com/omninode-ai/omniintelligence/pkg/idempotency"
	"github.com/omninode-ai/omniintelligence/pkg/lifecycle"
	"github.com/omninode-ai/omniintelligence/pkg/patternstore"
	"github.com/omninode-ai/omniintelligence/pkg/plugin"
	"github.com/omninode-ai/omniintelligence/pkg/publisher"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	configFile := flag.String("config-file", getEnv("CONFIG_FILE", ""), "path to the plugin's YAML config file (overrides deploy/config/omniintelligence.yaml)")
	flag.Parse()

	obs.Init(getEnv("LOG_FORMAT", "json") == "json", slog.LevelInfo)

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v (continuing with existing environment)", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	path := *configFile
	if path == "" {
		path = filepath.Join(*configDir, "omniintelligence.yaml")
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := config.Initialize(path, "")
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, database.ConfigFromDSN(cfg.DB.DSN, cfg.DB.PoolSize))
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("error closing database client: %v", err)
		}
	}()
	log.Println("connected to postgres, migrations applied")

	kafkaBus := bus.NewKafkaBus(cfg.Bus.Brokers, cfg.Bus.ConsumerGroup)
	defer func() {
		if err := kafkaBus.Close(); err != nil {
			log.Printf("error closing bus: %v", err)
		}
	}()

	store := patternstore.New()
	fsmStore := fsm.New()
	ledger := idempotency.New(dbClient)

	lifecycleCfg := lifecycle.Config{
		PromotionThreshold: cfg.Lifecycle.PromotionThreshold,
		DemotionThreshold:  cfg.Lifecycle.DemotionThreshold,
		MinDemotionSamples: cfg.Lifecycle.MinDemotionSamples,
		Env:                cfg.Bus.TopicEnvPrefix,
		Producer:           "omniintelligence",
	}

	pluginDeps := plugin.Deps{
		Bus:         kafkaBus,
		ContractDir: cfg.ContractDir,
		Dependencies: map[string]any{
			"pattern_repository":   store,
			"compute_functions":    struct{}{},
			"kafka_producer":       kafkaBus,
			"lifecycle_controller": true,
			"feedback_aggregator":  true,
		},
		DispatchConfig: dispatch.Config{
			HandlerTimeout:    30 * time.Second,
			OrphanGracePeriod: 5 * time.Minute,
		},
		PublisherConfig: publisher.Config{
			BufferHighWaterMark: cfg.Publisher.BufferHighWaterMark,
			RetryBase:           cfg.RetryBase(),
			RetryCap:            cfg.RetryCap(),
		},
	}

	// The handlers and the Lifecycle Controller publish through the
	// same shared Publisher the dispatch engine uses, which plugin.Lifecycle
	// only constructs once WireHandlers runs. handlerPublisher defers to it
	// so handlers.New can be built before that stage executes.
	hp := &handlerPublisher{}
	fb := feedback.New(store, dbClient, feedback.Config{
		WindowSize: cfg.Feedback.WindowSize,
		WindowDays: cfg.Feedback.WindowDays,
		QualityDeltaConfig: compute.QualityDeltaConfig{
			ViolationDecrement: cfg.Feedback.ViolationDecrement,
			SuccessIncrement:   cfg.Feedback.SuccessIncrement,
		},
		TierFloors: feedback.TierFloors{
			Weak:     cfg.Lifecycle.WeakSampleFloor,
			Moderate: cfg.Lifecycle.ModerateSampleFloor,
			Strong:   cfg.Lifecycle.StrongSampleFloor,
		},
	})
	// fb has no dependency on lc, so it's constructed first and handed to
	// the Controller as its FeedbackSource.
	lc := lifecycle.New(store, dbClient, hp, fb, lifecycleCfg)

	h := handlers.New(dbClient, store, ledger, fsmStore, lc, fb, hp, handlers.Config{
		ExtractionVersion: "v1",
		Env:               cfg.Bus.TopicEnvPrefix,
		Producer:          "omniintelligence",
	})

	pluginDeps.HandlerSet = h.Bind()
	pluginDeps.ReshapeSet = handlers.Reshapes()
	pl := plugin.New(pluginDeps)

	runStage := func(stage func(context.Context) plugin.Result) {
		if res := stage(ctx); res.Failed {
			log.Fatalf("plugin lifecycle stage %s failed: %v", res.Stage, res.Err)
		}
	}
	runStage(pl.ShouldActivate)
	runStage(pl.Initialize)
	runStage(pl.WireHandlers)

	// The shared Publisher only exists once WireHandlers has run; point the
	// delegating Publisher handlers/lifecycle were built with at the real
	// thing before WireDispatchers/StartConsumers can drive any handler.
	hp.setDelegate(pl.Publisher())

	runStage(pl.WireDispatchers)
	runStage(pl.StartConsumers)
	log.Println("plugin lifecycle activated, consuming")

	sweeper := idempotency.NewSweeper(ledger, time.Duration(cfg.Idempotency.RetentionDays)*24*time.Hour)
	if err := sweeper.Start("0 3 * * *"); err != nil {
		log.Fatalf("failed to start idempotency sweeper: %v", err)
	}
	defer sweeper.Stop()

	lifecycleSweeper := lifecycle.NewSweeper(store, dbClient, lc)
	if err := lifecycleSweeper.Start("*/15 * * * *"); err != nil {
		log.Fatalf("failed to start lifecycle sweeper: %v", err)
	}
	defer lifecycleSweeper.Stop()

	httpAddr := getEnv("HTTP_ADDR", ":8080")
	apiServer := httpapi.NewServer(dbClient, pl, getEnv("GIN_MODE", "release"))
	go func() {
		log.Printf("operational HTTP server listening on %s", httpAddr)
		if err := apiServer.Start(httpAddr); err != nil {
			log.Printf("http server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout())
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if res := pl.Shutdown(shutdownCtx); res.Failed {
		log.Printf("plugin shutdown reported error: %v", res.Err)
	}
}

// handlerPublisher lets handlers.New and lifecycle.New receive a stable
// Publisher reference before plugin.Lifecycle's WireHandlers stage has
// actually constructed the shared publisher.Publisher: it's built once
// and pointed at the real thing once that stage succeeds.
type handlerPublisher struct {
	delegate *publisher.Publisher
}

func (p *handlerPublisher) setDelegate(d *publisher.Publisher) {
	p.delegate = d
}

func (p *handlerPublisher) Publish(ctx context.Context, topic, key string, payload any, correlationID string) error {
	if p.delegate == nil {
		return nil
	}
	return p.delegate.Publish(ctx, topic, key, payload, correlationID)
}
