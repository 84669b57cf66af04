package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"storyforge/pkg/api"
	"storyforge/pkg/brief"
	"storyforge/pkg/config"
	"storyforge/pkg/generation/providers"
	"storyforge/pkg/illustration"
	"storyforge/pkg/logx"
	"storyforge/pkg/metrics"
	"storyforge/pkg/orchestrator"
	"storyforge/pkg/persistence"
)

const redisPingTimeout = 3 * time.Second

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logx.SetLevel(logx.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logx.NewLogger("serve")

	if err := unlockSecrets(cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	manager, err := providers.NewManagerFromConfig(ctx, cfg, providers.WithRecorder(recorder))
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store: %v", err)
		}
	}()

	var sideEffect orchestrator.SideEffectTrigger
	if cfg.Illustration.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Illustration.RedisAddr})
		defer func() { _ = client.Close() }()
		trigger := illustration.NewRedisTrigger(client, cfg.Illustration.Queue)

		pingCtx, stop := context.WithTimeout(ctx, redisPingTimeout)
		if err := trigger.Ping(pingCtx); err != nil {
			logger.Warn("redis at %s not reachable yet, illustrations may fail: %v", cfg.Illustration.RedisAddr, err)
		}
		stop()
		sideEffect = trigger
	} else {
		logger.Info("illustration queue disabled")
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Validator:         brief.NewValidator(),
		Sessions:          store,
		PromptBuilder:     brief.NewPromptBuilder(cfg.Prompt.HistoryTokenBudget),
		Generator:         manager,
		SideEffect:        sideEffect,
		Recorder:          recorder,
		GenerationConfig:  providers.DefaultGenerationConfig(cfg),
		HistoryChapters:   cfg.Prompt.HistoryChapters,
		SideEffectTimeout: cfg.Illustration.Timeout.Std(),
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Runner:    orch,
		Stories:   store,
		Providers: manager,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening on %s with providers %v", cfg.Server.Addr, manager.Providers())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("illustration tasks abandoned: %v", err)
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*persistence.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return persistence.ConnectPostgres(ctx, cfg.Storage.DSN)
	default:
		return persistence.OpenSQLite(cfg.Storage.DSN)
	}
}

// unlockSecrets decrypts the secrets file when one exists. The password comes from
// STORYFORGE_SECRETS_PASSWORD or, on a terminal, from a prompt.
func unlockSecrets(cfg *config.Config) error {
	dir := secretsDir(cfg)
	if !config.SecretsFileExists(dir) {
		return nil
	}
	password := os.Getenv(secretsPasswordEnv)
	if password == "" {
		if !stdinIsTerminal() {
			logx.NewLogger("serve").Warn("secrets file present but %s is not set, using environment credentials only", secretsPasswordEnv)
			return nil
		}
		var err error
		if password, err = readHidden("Secrets password: "); err != nil {
			return err
		}
	}
	return config.LoadSecretsFile(dir, password)
}
