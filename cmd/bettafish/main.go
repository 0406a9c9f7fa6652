// Command bettafish is the BettaFish orchestrator's process entrypoint:
// it loads configuration, wires every component together, starts the
// HTTP/SSE surface, and shuts down cleanly on an OS signal.
//
// Grounded on the teacher's cmd/tarsy/main.go: godotenv-backed config
// load, construct-then-serve wiring order, signal.NotifyContext-driven
// graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bettafish/orchestrator/pkg/baseline"
	"github.com/bettafish/orchestrator/pkg/chapterstore"
	"github.com/bettafish/orchestrator/pkg/config"
	"github.com/bettafish/orchestrator/pkg/eventbus"
	"github.com/bettafish/orchestrator/pkg/forum"
	"github.com/bettafish/orchestrator/pkg/httpapi"
	"github.com/bettafish/orchestrator/pkg/ir"
	"github.com/bettafish/orchestrator/pkg/llmclient"
	"github.com/bettafish/orchestrator/pkg/migrate"
	"github.com/bettafish/orchestrator/pkg/quarantine"
	"github.com/bettafish/orchestrator/pkg/report"
	"github.com/bettafish/orchestrator/pkg/supervisor"
	"github.com/bettafish/orchestrator/pkg/taskregistry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	projectRoot, err := os.Getwd()
	if err != nil {
		logger.Error("bettafish: resolve project root", "error", err)
		os.Exit(1)
	}

	settings, err := config.Load(projectRoot)
	if err != nil {
		logger.Error("bettafish: load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(settings.LogsDir, 0o755); err != nil {
		logger.Error("bettafish: create logs dir", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(settings.FinalReportsDir, 0o755); err != nil {
		logger.Error("bettafish: create final reports dir", "error", err)
		os.Exit(1)
	}

	quarantineWriter := quarantine.New(settings.LogsDir + "/json_repair_failures")
	store := chapterstore.New(settings.FinalReportsDir + "/chapters")
	validator := ir.NewValidator()
	bus := eventbus.New(eventbus.Config{
		HistorySize: settings.EventBusHistorySize,
		GracePeriod: settings.EventBusGrace,
	})
	tasks := taskregistry.New(settings.TaskRegistryCapacity)
	baselineStore := baseline.New(settings.LogsDir + "/baseline.json")

	engineDirs := map[string]string{
		"query_engine":   settings.QueryReportsDir,
		"media_engine":   settings.MediaReportsDir,
		"insight_engine": settings.InsightReportsDir,
	}

	selectionClient := llmclient.NewHTTPClient(llmclient.Credentials{
		APIKey:    settings.ReportEngine.APIKey,
		BaseURL:   settings.ReportEngine.BaseURL,
		ModelName: settings.ReportEngine.ModelName,
		Label:     "report_engine",
	}, nil)

	var fallbacks []llmclient.Client
	for _, cred := range []struct {
		label string
		creds config.EngineCredentials
	}{
		{"query_engine", settings.QueryEngine},
		{"media_engine", settings.MediaEngine},
		{"insight_engine", settings.InsightEngine},
	} {
		if cred.creds.APIKey == "" {
			continue
		}
		fallbacks = append(fallbacks, llmclient.NewHTTPClient(llmclient.Credentials{
			APIKey: cred.creds.APIKey, BaseURL: cred.creds.BaseURL, ModelName: cred.creds.ModelName, Label: cred.label,
		}, nil))
	}

	pipeline := &report.Pipeline{
		Config: report.Config{
			StructuralRetryAttempts:  settings.StructuralRetryAttempts,
			ContentSparseMinAttempts: settings.ContentSparseMinAttempts,
			ChapterJSONMaxAttempts:   settings.ChapterJSONMaxAttempts,
		},
		TemplateDir:          settings.TemplatesDir,
		Store:                store,
		Validator:            validator,
		Quarantine:           quarantineWriter,
		Logger:               logger,
		SelectionClient:      selectionClient,
		PrimaryChapterClient: selectionClient,
		FallbackClients:      fallbacks,
	}

	var hostClient llmclient.Client
	if settings.ReportEngine.APIKey != "" {
		hostClient = selectionClient
	}

	forumFactory := func() *forum.Aggregator {
		return forum.New(settings.LogsDir, hostClient, forum.Config{
			BufferThreshold: settings.ForumBufferThreshold,
			IdleTicksLimit:  settings.ForumIdleTicksLimit,
		}, logger)
	}

	initializeFn := func(ctx context.Context) error {
		if settings.DatabaseURL == "" {
			return nil
		}
		_, err := migrate.Run(ctx, settings.DatabaseURL)
		return err
	}

	specs := []supervisor.EngineSpec{
		{Name: "insight", Command: "streamlit", Args: []string{"run", "InsightEngine/app.py", "--server.port=8501"}, Port: 8501},
		{Name: "media", Command: "streamlit", Args: []string{"run", "MediaEngine/app.py", "--server.port=8502"}, Port: 8502},
		{Name: "query", Command: "streamlit", Args: []string{"run", "QueryEngine/app.py", "--server.port=8503"}, Port: 8503},
	}

	sup := supervisor.New(specs, settings.LogsDir, forumFactory, initializeFn, supervisor.Config{
		HealthProbeTimeout:     settings.HealthProbeTimeout,
		ChildStopGrace:         settings.ChildStopGrace,
		ShutdownCleanupTimeout: settings.ShutdownCleanupTimeout,
	}, logger)

	server := &httpapi.Server{
		Tasks:             tasks,
		Bus:               bus,
		Baseline:          baselineStore,
		Pipeline:          pipeline,
		Supervisor:        sup,
		Runs:              report.NewActiveRuns(),
		Logger:            logger,
		ProjectRoot:       projectRoot,
		EngineDirs:        engineDirs,
		TemplateDir:       settings.TemplatesDir,
		FinalReportsDir:   settings.FinalReportsDir,
		ReportLogPath:     settings.LogsDir,
		HeartbeatInterval: settings.HeartbeatInterval,
		SSEIdleTimeout:    settings.SSEIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopSweep := make(chan struct{})
	tasks.StartSweep(30*time.Second, bus.IsExpired, stopSweep)
	defer close(stopSweep)

	httpServer := &http.Server{
		Addr:    settings.Host + ":" + strconv.Itoa(settings.Port),
		Handler: server.NewRouter(),
	}

	go func() {
		logger.Info("bettafish: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("bettafish: http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("bettafish: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownCleanupTimeout+2*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("bettafish: http server shutdown", "error", err)
	}

	sup.CleanupConcurrent(settings.ShutdownCleanupTimeout)
	logger.Info("bettafish: shutdown complete")
}
