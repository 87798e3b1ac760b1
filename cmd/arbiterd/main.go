package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bountyescrow/config"
	"bountyescrow/core"
	"bountyescrow/core/types"
	gatewaymw "bountyescrow/gateway/middleware"
	"bountyescrow/integrations/webhooks"
	"bountyescrow/native/scoring"
	"bountyescrow/observability/logging"
	telemetry "bountyescrow/observability/otel"
	"bountyescrow/services/arbiterd"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./arbiterd.yaml", "path to arbiterd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BOUNTY_ENV"))
	bootLogger := logging.Setup("arbiterd", env, logging.Options{})

	cfg, err := arbiterd.LoadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	nodeCfg, err := config.Load(cfg.NodeConfig)
	if err != nil {
		bootLogger.Error("load node config", slog.String("path", cfg.NodeConfig), slog.Any("error", err))
		os.Exit(1)
	}
	if env == "" {
		env = nodeCfg.Logging.Env
	}
	logger := logging.Setup("arbiterd", env, core.LogOptions(nodeCfg.Logging))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("arbiterd", env))
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, nodeCfg, logger); err != nil {
		logger.Error("arbiterd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg arbiterd.Config, nodeCfg *config.Config, logger *slog.Logger) error {
	node, err := core.NewNode(nodeCfg, logger, nil)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !node.Caller(cfg.ArbiterAddress()).Has(types.RoleArbiter) {
		logger.Warn("configured arbiter lacks the arbiter role in the node config",
			slog.String("arbiter", cfg.ArbiterAddress().Hex()))
	}

	store, err := arbiterd.OpenStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	audit, err := arbiterd.NewAuditLog(store.DB())
	if err != nil {
		return err
	}

	params := scoring.DefaultParams()
	params.MinScore = cfg.Scoring.MinScore
	params.MaxCompletionAge = cfg.Scoring.MaxCompletionAge.Duration
	scorer, err := scoring.NewScorer(params)
	if err != nil {
		return err
	}

	service, err := arbiterd.NewService(arbiterd.ServiceDeps{
		Claims:     node.Claims,
		Bounties:   node.Bounties,
		Identities: node.Identities,
		Authority:  node.Authority,
		Scorer:     scorer,
		Provider:   arbiterd.NewGitHubClient(cfg.GitHub.BaseURL, cfg.GitHub.Token, cfg.GitHub.Timeout.Duration),
		Store:      store,
		Arbiter:    cfg.ArbiterAddress(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if url := strings.TrimSpace(cfg.Webhook.URL); url != "" {
		dispatcher, err := webhooks.NewDispatcher(url, []byte(cfg.Webhook.Secret),
			webhooks.WithTopics(cfg.Webhook.Topics...),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0),
			webhooks.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout.Duration}),
			webhooks.WithLogger(logger))
		if err != nil {
			return err
		}
		defer dispatcher.Close()
		go dispatcher.Forward(ctx, node.Bus)
		logger.Info("forwarding settlement events", slog.String("url", logging.RedactURL(url)))
	}

	auth := gatewaymw.NewAuthenticator(gatewaymw.AuthConfig{
		Enabled:    !cfg.Auth.Disabled,
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	logger.Info("arbiter identity provider",
		slog.String("base_url", cfg.GitHub.BaseURL),
		logging.Secret("github_token", cfg.GitHub.Token))
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled; every caller operates the arbiter")
	}

	srv, err := arbiterd.NewServer(arbiterd.ServerOptions{
		Service:  service,
		Bounties: node.Bounties,
		Bus:      node.Bus,
		Audit:    audit,
		Auth:     auth,
		RateLimit: gatewaymw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout.Duration,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("arbiterd listening", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down arbiterd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}
