// Command zeusd runs the Zeus task engine: the websocket/REST server, the
// background worker pool, and everything they share.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	zeus "github.com/ovfarias/zeus"
	"github.com/ovfarias/zeus/auth"
	"github.com/ovfarias/zeus/convstore"
	"github.com/ovfarias/zeus/hub"
	"github.com/ovfarias/zeus/internal/config"
	"github.com/ovfarias/zeus/provider/openrouter"
	pgqueue "github.com/ovfarias/zeus/queue/postgres"
	sqlqueue "github.com/ovfarias/zeus/queue/sqlite"
	"github.com/ovfarias/zeus/rag"
	"github.com/ovfarias/zeus/sandbox"
	"github.com/ovfarias/zeus/server"
	"github.com/ovfarias/zeus/telemetry"
	"github.com/ovfarias/zeus/tools/delegate"
	"github.com/ovfarias/zeus/tools/fetch"
	"github.com/ovfarias/zeus/tools/file"
	"github.com/ovfarias/zeus/tools/finish"
	zeushttp "github.com/ovfarias/zeus/tools/http"
	"github.com/ovfarias/zeus/tools/memory"
	"github.com/ovfarias/zeus/tools/script"
	"github.com/ovfarias/zeus/tools/shell"
	"github.com/ovfarias/zeus/tools/websearch"
	"github.com/ovfarias/zeus/worker"
)

const systemPrompt = `Você é um assistente de IA que executa tarefas usando ferramentas. ` +
	`Trabalhe passo a passo: use as ferramentas disponíveis para investigar, executar e verificar. ` +
	`Quando a tarefa estiver concluída, chame finish_task com o resultado final completo.`

func main() {
	configPath := flag.String("config", os.Getenv("ZEUS_CONFIG"), "path to zeus.toml")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("zeusd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// 1. Telemetry (optional)
	var tracer zeus.Tracer
	var metrics *telemetry.Metrics
	telemetryShutdown := func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		inst, shutdown, err := telemetry.Init(ctx)
		if err != nil {
			return err
		}
		telemetryShutdown = shutdown
		tracer = telemetry.NewTracer()
		metrics = telemetry.NewMetrics(inst)
	}

	// 2. Provider
	provOpts := []openrouter.Option{
		openrouter.WithAppInfo(cfg.Provider.Referer, cfg.Provider.Title),
		openrouter.WithLogger(logger),
	}
	if cfg.Provider.EmbeddedToolCalls {
		provOpts = append(provOpts, openrouter.WithEmbeddedToolCalls())
	}
	apiKey, baseURL := cfg.Provider.APIKey, cfg.Provider.BaseURL
	if apiKey == "" && cfg.Provider.LocalBaseURL != "" {
		// No API key: fall back to the local OpenAI-compatible endpoint.
		baseURL = cfg.Provider.LocalBaseURL
		provOpts = append(provOpts, openrouter.WithName("local"))
		if cfg.Provider.LocalModel != "" {
			cfg.Models.Primary = cfg.Provider.LocalModel
			cfg.Models.Secondary, cfg.Models.Tertiary = "", ""
		}
		logger.Info("using local model endpoint", "base_url", baseURL, "model", cfg.Models.Primary)
	}
	provider := zeus.Provider(openrouter.New(apiKey, baseURL, provOpts...))
	if cfg.Provider.RPM > 0 || cfg.Provider.TPM > 0 {
		provider = zeus.WithRateLimit(provider, zeus.RPM(cfg.Provider.RPM), zeus.TPM(cfg.Provider.TPM))
	}

	// 3. Queue
	var queue zeus.Queue
	switch cfg.Queue.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Queue.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := pgqueue.New(pool, pgqueue.WithLogger(logger))
		if err := pg.Init(ctx); err != nil {
			return err
		}
		queue = pg
	default:
		sq := sqlqueue.New(cfg.Queue.SQLitePath, sqlqueue.WithLogger(logger))
		if err := sq.Init(ctx); err != nil {
			return err
		}
		queue = sq
	}

	// 4. Sandbox
	sb, err := sandbox.NewFromEnv(sandbox.Config{
		Image:       cfg.Sandbox.Image,
		HostDataDir: cfg.Sandbox.HostDataDir,
		MemoryBytes: cfg.Sandbox.MemoryMB << 20,
		NanoCPUs:    int64(cfg.Sandbox.CPUs * 1e9),
		SessionTTL:  time.Duration(cfg.Sandbox.SessionTTLMin) * time.Minute,
		ExposePorts: cfg.Sandbox.ExposePorts,
	}, sandbox.WithLogger(logger))
	if err != nil {
		return err
	}

	// 5. Procedure memory + conversations
	procedures := rag.New(cfg.Storage.ProceduresPath, rag.WithLogger(logger))
	if err := procedures.Init(ctx); err != nil {
		return err
	}
	conversations, err := convstore.New(cfg.Storage.ConversationsDir, convstore.WithLogger(logger))
	if err != nil {
		return err
	}

	// 6. Tools
	registry := zeus.NewToolRegistry()
	registry.Add(shell.New(sb, cfg.Sandbox.CommandTimeout))
	registry.Add(script.New(sb, cfg.Sandbox.CommandTimeout))
	registry.Add(file.New(cfg.Sandbox.HostDataDir))
	registry.Add(fetch.New())
	registry.Add(zeushttp.New())
	registry.Add(memory.New(procedures))
	registry.Add(finish.New())
	if cfg.Models.WebSearch != "" {
		registry.Add(websearch.New(provider, cfg.Models.WebSearch))
	}
	if len(cfg.Models.Delegate) > 0 {
		registry.Add(delegate.New(provider, cfg.Models.Delegate...))
	}

	// 7. Orchestrator
	orchOpts := []zeus.OrchestratorOption{
		zeus.WithSandbox(sb),
		zeus.WithRetriever(procedures),
		zeus.WithLogger(logger),
		zeus.WithSystemPrompt(systemPrompt),
	}
	if tracer != nil {
		orchOpts = append(orchOpts, zeus.WithTracer(tracer))
	}
	if metrics != nil {
		orchOpts = append(orchOpts, zeus.WithMetrics(metrics))
	}
	orch := zeus.NewOrchestrator(provider, registry, orchOpts...)

	// 8. Hub + worker pool
	h := hub.New(hub.WithLogger(logger))
	models := zeus.ModelSelection{
		Primary:   cfg.Models.Primary,
		Secondary: cfg.Models.Secondary,
		Tertiary:  cfg.Models.Tertiary,
	}
	poolOpts := []worker.Option{worker.WithLogger(logger)}
	if metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetrics(metrics))
	}
	pool := worker.New(queue, orch, h, conversations, worker.Config{
		MaxConcurrent:         cfg.Worker.MaxConcurrent,
		PollInterval:          time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
		CleanupAge:            time.Duration(cfg.Worker.CleanupAgeDays) * 24 * time.Hour,
		ShutdownGrace:         time.Duration(cfg.Worker.ShutdownGraceSec) * time.Second,
		DefaultModels:         models,
		RequireCompletionTool: cfg.Worker.RequireCompletionTool,
	}, poolOpts...)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	// 9. Server
	verifier := auth.New(cfg.Server.JWTSecret)
	srv := server.New(queue, orch, pool, h, conversations, verifier, server.Config{
		DefaultModels:         models,
		RequireCompletionTool: cfg.Worker.RequireCompletionTool,
	}, server.WithLogger(logger))

	logger.Info("zeusd listening", "addr", cfg.Server.Addr, "queue", cfg.Queue.Driver, "auth", verifier.Enabled())
	serveErr := srv.ListenAndServe(ctx, cfg.Server.Addr)

	// Shutdown order: stop accepting work, drain the pool, then tear down
	// shared resources.
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutCtx); err != nil {
		logger.Warn("worker pool shutdown incomplete", "error", err)
	}
	sb.ReleaseAll(shutCtx)
	sb.Close()
	if err := procedures.Close(); err != nil {
		logger.Warn("procedure store close failed", "error", err)
	}
	if err := queue.Close(); err != nil {
		logger.Warn("queue close failed", "error", err)
	}
	if err := telemetryShutdown(shutCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	return serveErr
}
