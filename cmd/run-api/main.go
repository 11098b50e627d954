package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/config"
	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/events/bus"
	runapi "github.com/inkeep/agents-run/internal/run/api"
	"github.com/inkeep/agents-run/internal/run/approval"
	"github.com/inkeep/agents-run/internal/run/auth"
	"github.com/inkeep/agents-run/internal/run/engine"
	runrepo "github.com/inkeep/agents-run/internal/run/repository"
	"github.com/inkeep/agents-run/internal/streaming"
	triggerapi "github.com/inkeep/agents-run/internal/trigger/api"
	"github.com/inkeep/agents-run/internal/trigger/credentials"
	"github.com/inkeep/agents-run/internal/trigger/dispatcher"
	triggerrepo "github.com/inkeep/agents-run/internal/trigger/repository"
	"github.com/inkeep/agents-run/internal/trigger/schedule"
	"github.com/inkeep/agents-run/pkg/a2a"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agents-run service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the event bus (NATS, or in-memory when no URL)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open storage
	runStore, triggerStore, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer runStore.Close()
	defer triggerStore.Close()
	log.Info("Opened storage", zap.String("driver", cfg.Database.Driver))

	// 6. A2A transport + token minting
	a2aClient := a2a.NewHTTPClient(cfg.A2A.BaseURL, cfg.A2A.RequestTimeoutDuration(), log)
	minter := auth.NewHMACMinter(cfg.Execution.DelegationSigningKey, 5*time.Minute)

	// 7. Execution engine
	sessions := engine.NewSessionRegistry()
	eng := engine.NewEngine(runStore, a2aClient, minter, sessions, eventBus, log, engine.Options{
		MaxTransfers:         cfg.Execution.MaxTransfers,
		MaxConsecutiveErrors: cfg.Execution.MaxConsecutiveErrors,
	})

	// 8. Approval gate plumbing
	approvals := approval.NewManager()
	uiBus := approval.NewUiBus(log)
	gate := approval.NewGate(approvals, uiBus, cfg.Execution.ApprovalTimeoutDuration(), log)

	// 9. Streaming hub, with approval events bridged onto request streams
	hub := streaming.NewHub(log)
	hub.AttachApprovalBus(uiBus)
	go hub.Run(ctx)

	// 10. Trigger pipeline
	credStore := credentials.NewEnvStore(cfg.Credentials.EnvPrefix)
	resolver := credentials.NewResolver(credStore, cfg.Credentials.CacheTTLDuration(), log)
	agents := &dispatcher.StaticSubAgentResolver{Fallback: os.Getenv("AGENTS_RUN_DEFAULT_SUB_AGENT")}

	disp := dispatcher.NewDispatcher(triggerStore, runStore, eng, resolver, agents, eventBus, log)
	runner := schedule.NewRunner(triggerStore, runStore, eng, agents, eventBus, log)
	if err := runner.Start(ctx); err != nil {
		log.Fatal("Failed to start schedule runner", zap.Error(err))
	}
	defer runner.Stop()

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(runapi.Recovery(log))
	router.Use(runapi.RequestLogger(log))
	router.Use(runapi.ErrorHandler(log))
	router.Use(runapi.CORS())

	// 12. Register API routes
	v1 := router.Group("/api/v1")
	runapi.SetupRoutes(v1, eng, runStore, approvals, uiBus, gate, hub, agents, log)
	triggerapi.SetupRoutes(v1, disp, runner, triggerStore, log)

	// Health check endpoint at root level
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"event_bus": eventBus.IsConnected(),
		})
	})

	// 13. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agents-run service...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("agents-run service stopped")
}

// openStores opens the run and trigger repositories for the configured
// database driver.
func openStores(ctx context.Context, cfg *config.Config) (runrepo.Repository, triggerrepo.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		runStore, err := runrepo.NewPostgresRepository(ctx, cfg.Database.PostgresDSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		// Trigger configuration stays on sqlite alongside postgres runs.
		triggerStore, err := triggerrepo.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			runStore.Close()
			return nil, nil, err
		}
		return runStore, triggerStore, nil

	case "memory":
		return runrepo.NewMemoryRepository(), triggerrepo.NewMemoryRepository(), nil

	default: // sqlite
		runStore, err := runrepo.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		triggerStore, err := triggerrepo.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			runStore.Close()
			return nil, nil, err
		}
		return runStore, triggerStore, nil
	}
}
