// Triage orchestrator server: exposes the analysis HTTP API, manages
// the worker pool, and streams run progress over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/incidentops/triage/pkg/agent"
	"github.com/incidentops/triage/pkg/api"
	"github.com/incidentops/triage/pkg/cleanup"
	"github.com/incidentops/triage/pkg/config"
	"github.com/incidentops/triage/pkg/events"
	"github.com/incidentops/triage/pkg/history"
	"github.com/incidentops/triage/pkg/hypothesis"
	"github.com/incidentops/triage/pkg/llm"
	"github.com/incidentops/triage/pkg/masking"
	"github.com/incidentops/triage/pkg/observability"
	"github.com/incidentops/triage/pkg/pipeline"
	"github.com/incidentops/triage/pkg/queue"
	"github.com/incidentops/triage/pkg/runbook"
	"github.com/incidentops/triage/pkg/timeline"
	"github.com/incidentops/triage/pkg/vector"
	"github.com/incidentops/triage/pkg/verifier"
	"github.com/incidentops/triage/pkg/version"
)

// incidentSeedLimit bounds how many stored runs seed the similarity
// index at startup.
const incidentSeedLimit = 200

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to base configuration file")
	overridePath := flag.String("config-override", os.Getenv("CONFIG_OVERRIDE_PATH"), "Path to override configuration file")
	flag.Parse()

	cfg, err := config.Initialize(*configPath, *overridePath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("Starting triage", "version", version.Full(), "host", cfg.Host, "port", cfg.Port)

	ctx := context.Background()

	// Persistence and event streaming are optional: without a database
	// the service still answers synchronous requests.
	var (
		store          *history.Store
		publisher      *events.Publisher
		connManager    *events.ConnectionManager
		notifyListener *events.NotifyListener
		sweeper        *cleanup.Service
	)
	if cfg.DatabaseURL != "" {
		dbCfg, err := history.LoadConfigFromEnv()
		if err != nil {
			logger.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbCfg.URL = cfg.DatabaseURL

		store, err = history.Connect(ctx, dbCfg, logger)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("Connected to PostgreSQL")

		publisher = events.NewPublisher(store.Pool(), logger)
		connManager = events.NewConnectionManager(store, 10*time.Second, logger)

		notifyListener = events.NewNotifyListener(dbCfg.DSN(), connManager, logger)
		if err := notifyListener.Start(ctx); err != nil {
			logger.Error("Failed to start notify listener", "error", err)
			os.Exit(1)
		}
		defer notifyListener.Stop(ctx)
		connManager.SetListener(notifyListener)
		logger.Info("Streaming infrastructure initialized")

		sweeper = cleanup.NewService(cfg.Retention, store, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	} else {
		logger.Warn("No database configured, running without history and streaming")
	}

	masker := masking.NewService(cfg.Masking, logger)

	var llmClient llm.Client
	if apiKey := cfg.LLM.APIKey(); apiKey != "" {
		llmClient = llm.NewAnthropicClient(apiKey)
		logger.Info("LLM client initialized", "primary_model", cfg.LLM.PrimaryModel)
	} else {
		logger.Warn("No LLM credential found, reasoning degrades to deterministic fallbacks",
			"api_key_env", cfg.LLM.APIKeyEnv)
	}

	var metricsQuerier observability.MetricsQuerier
	if cfg.Metrics.URL != "" {
		promClient, err := observability.NewPromClient(cfg.Metrics.URL, cfg.Metrics.Timeout())
		if err != nil {
			logger.Error("Failed to build metrics client", "url", cfg.Metrics.URL, "error", err)
			os.Exit(1)
		}
		metricsQuerier = promClient
	}

	var dashboardClient observability.DashboardClient
	if cfg.Dashboard.URL != "" {
		dashboardClient = observability.NewGrafanaClient(
			cfg.Dashboard.URL, cfg.Dashboard.APIKey(), cfg.Dashboard.Timeout())
	}

	index := vector.NewInMemoryIndex(vector.NewHashingEmbedder())
	if store != nil {
		seedIncidentCorpus(ctx, store, index, logger)
	}

	imageAgent := agent.NewImageAgent(llmClient, cfg.LLM.VisionModel, cfg.LLM.MaxTokens, logger)
	collectors := []agent.EvidenceAgent{
		agent.NewLogAgent(vector.NewHashingEmbedder(), cfg.Pipeline.MaxLogEvidence, logger),
		agent.NewRAGAgent(index, cfg.Vector.TopK,
			cfg.Vector.MinIncidentSimilarity, cfg.Vector.MinRunbookSimilarity, logger),
		agent.NewMetricsAgent(metricsQuerier, logger),
		agent.NewDashboardAgent(dashboardClient, logger),
		imageAgent,
	}

	toolExecutor := observability.NewToolExecutor(metricsQuerier, dashboardClient, logger)
	enrichment := agent.NewEnrichmentAgent(llmClient, cfg.LLM.PrimaryModel, cfg.LLM.MaxTokens,
		toolExecutor, cfg.Pipeline.MaxToolIterations, cfg.Pipeline.ToolLoopBudget(), logger)

	runbookService := runbook.NewService(cfg.Runbooks, os.Getenv("RUNBOOK_TOKEN"), logger)

	opts := pipeline.Options{
		Planner:             agent.NewPlanner(llmClient, cfg.LLM.PrimaryModel, cfg.LLM.MaxTokens, logger),
		Agents:              collectors,
		Enrichment:          enrichment,
		Correlator:          timeline.NewCorrelator(logger),
		Generator:           hypothesis.NewGenerator(llmClient, cfg.LLM.PrimaryModel, cfg.LLM.MaxTokens, cfg.Pipeline.MaxHypotheses, logger),
		Verifier:            verifier.NewVerifier(cfg.Pipeline.MinEvidenceSources, logger),
		Gate:                verifier.NewGate(cfg.Pipeline.ConfidenceThreshold, logger),
		Actions:             runbookService,
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		AgentTimeout:        cfg.Pipeline.AgentTimeout(),
		RunTimeout:          cfg.Pipeline.RunTimeout(),
		Logger:              logger,
	}
	if publisher != nil {
		opts.Notifier = publisher
	}
	orchestrator := pipeline.NewOrchestrator(opts)

	var recorder queue.Recorder
	if store != nil {
		recorder = store
	}
	executor := queue.NewAnalysisExecutor(orchestrator, masker, recorder, logger)

	pool := queue.NewWorkerPool(cfg.Queue, executor, logger)
	pool.Start(ctx)

	availability := map[string]api.AvailabilityChecker{}
	if llmClient != nil {
		availability["claude"] = llmClient
	}
	if metricsQuerier != nil {
		if checker, ok := metricsQuerier.(api.AvailabilityChecker); ok {
			availability["prometheus"] = checker
		}
	}
	if dashboardClient != nil {
		if checker, ok := dashboardClient.(api.AvailabilityChecker); ok {
			availability["grafana"] = checker
		}
	}

	serverOpts := api.Options{
		Executor:         executor,
		Pool:             pool,
		Images:           imageAgent,
		ConnManager:      connManager,
		Availability:     availability,
		AllowedWSOrigins: cfg.AllowedWSOrigins,
		Logger:           logger,
	}
	if store != nil {
		serverOpts.Store = store
	}
	server := api.NewServer(serverOpts)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("Triage started", "workers", cfg.Queue.MaxConcurrentRuns)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting requests first, then drain in-flight runs.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	pool.Stop()

	logger.Info("Shutdown complete")
}

// newLogger builds the process-wide structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// seedIncidentCorpus loads recent resolved runs into the similarity
// index so retrieval has history to draw on after a restart.
func seedIncidentCorpus(ctx context.Context, store *history.Store, index vector.Index, logger *slog.Logger) {
	seedCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	incidents, err := store.RecentAnalyses(seedCtx, incidentSeedLimit)
	if err != nil {
		logger.Warn("Failed to seed incident corpus", "error", err)
		return
	}

	docs := make([]vector.Document, 0, len(incidents))
	for _, inc := range incidents {
		docs = append(docs, vector.Document{
			ID:   inc.AnalysisID,
			Text: inc.Query,
			Payload: map[string]any{
				"root_cause": inc.RootCause,
				"confidence": inc.Confidence,
			},
		})
	}
	if len(docs) == 0 {
		return
	}
	if err := index.Add(seedCtx, vector.CorpusIncidents, docs...); err != nil {
		logger.Warn("Failed to index historical incidents", "error", err)
		return
	}
	logger.Info("Seeded incident corpus", "documents", len(docs))
}
