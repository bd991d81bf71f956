package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/archive"
	"github.com/Mindburn-Labs/helm-timelock/pkg/audit"
	"github.com/Mindburn-Labs/helm-timelock/pkg/auth"
	"github.com/Mindburn-Labs/helm-timelock/pkg/config"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
	"github.com/Mindburn-Labs/helm-timelock/pkg/executor"
	"github.com/Mindburn-Labs/helm-timelock/pkg/fingerprint"
	"github.com/Mindburn-Labs/helm-timelock/pkg/identity"
	"github.com/Mindburn-Labs/helm-timelock/pkg/observability"
	"github.com/Mindburn-Labs/helm-timelock/pkg/server"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr, storeKind, deployment string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides HELM_TIMELOCK_ADDR)")
	cmd.StringVar(&storeKind, "store", "", "memory|sqlite|postgres|redis (overrides HELM_TIMELOCK_STORE)")
	cmd.StringVar(&deployment, "deployment", "", "Deployment YAML (overrides HELM_TIMELOCK_DEPLOYMENT_FILE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}
	if deployment != "" {
		cfg.DeploymentFile = deployment
	}
	if err := cfg.Validate(); err != nil {
		printError(stderr, "%v", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, stdout)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := a.serve(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// app is a fully wired timelock service.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   *backend
	engine    *engine.Engine
	journal   *audit.Journal
	tokens    *identity.TokenManager
	limiter   *api.RateLimiter
	telemetry *observability.Provider
	server    *server.Server
	archiver  *audit.Archiver
	closers   []io.Closer
}

// buildApp wires storage, executors, identity, audit and the HTTP surface.
// Audit lines go to auditOut unless HELM_TIMELOCK_AUDIT_FILE is set.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	dep := &config.Deployment{}
	if cfg.DeploymentFile != "" {
		if dep, err = config.LoadDeployment(cfg.DeploymentFile); err != nil {
			return nil, err
		}
		if err = dep.CheckCompatible(version); err != nil {
			return nil, err
		}
	}
	domain := dep.ResolveDomain(cfg)
	if cfg.Store == config.StoreRedis {
		if err = dep.CheckDispatchBound(cfg.RedisLease); err != nil {
			return nil, err
		}
	}

	if a.backend, err = openBackend(ctx, cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.backend)

	if cfg.OTelEnabled {
		a.telemetry, err = observability.New(ctx, observability.Config{
			ServiceName:    "helm-timelock",
			ServiceVersion: version,
			Environment:    domain.ChainContext,
			OTLPEndpoint:   cfg.OTelEndpoint,
			SampleRate:     cfg.OTelSample,
			Insecure:       cfg.OTelInsecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	a.journal = audit.NewJournal()
	auditLog, err := a.auditLogger(auditOut)
	if err != nil {
		return nil, err
	}
	if cfg.Archive != "" {
		blobs, err := archive.Open(ctx, archive.Config{
			Kind:     cfg.Archive,
			Dir:      cfg.ArchiveDir,
			Bucket:   cfg.ArchiveBucket,
			Prefix:   cfg.ArchivePrefix,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, blobs)
		a.archiver = audit.NewArchiver(a.journal, blobs)
	}

	router := executor.NewRouter()
	a.engine = engine.NewEngine(a.backend.store, fingerprint.NewV1(domain), router).
		WithModule(domain.Module).
		WithNotifier(audit.Fanout{a.journal, auditLog}).
		WithLogger(logger.With("component", "timelock"))
	if a.telemetry != nil {
		a.engine.WithTelemetry(a.telemetry)
	}

	if err := a.wireExecutors(ctx, router, dep); err != nil {
		return nil, err
	}

	keys, err := a.keySet()
	if err != nil {
		return nil, err
	}
	a.tokens = identity.NewTokenManager(keys)

	opts := server.Options{
		Validator:   auth.NewJWTValidator(keys),
		Idempotency: a.backend.idempotency,
		Journal:     a.journal,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger.With("component", "api"),
	}
	if cfg.RateRPS > 0 {
		a.limiter = api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
		opts.RateLimiter = a.limiter
	}
	a.server = server.New(a.engine, opts)

	logger.Info("timelock ready",
		"module", domain.Module,
		"chain_context", domain.ChainContext,
		"fingerprint_version", a.engine.FingerprintVersion(),
		"store", cfg.Store,
		"executors", len(dep.Executors),
	)
	return a, nil
}

func (a *app) auditLogger(out io.Writer) (*audit.Logger, error) {
	if a.cfg.AuditFile == "" {
		return audit.NewLoggerWithWriter(out), nil
	}
	f, err := os.OpenFile(a.cfg.AuditFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	a.closers = append(a.closers, f)
	return audit.NewLoggerWithWriter(f), nil
}

// wireExecutors registers every declared executor and grants its bootstrap
// policies.
func (a *app) wireExecutors(ctx context.Context, router *executor.Router, dep *config.Deployment) error {
	for _, ex := range dep.Executors {
		switch ex.Mode {
		case config.ModeWebhook:
			wh := executor.NewWebhook(ex.WebhookURL, ex.WebhookTimeout)
			if ex.WebhookSecret != "" {
				wh.WithHeader("X-Executor-Secret", ex.WebhookSecret)
			}
			router.Register(ex.ID, executor.NewBreaker(wh, ex.BreakerThreshold, ex.BreakerCooldown))
		default:
			policy, err := approvalPolicy(ex)
			if err != nil {
				return err
			}
			lb := executor.NewLoopback(a.engine.Module(), a.engine, a.logDriver())
			if policy != nil {
				lb.WithPolicy(policy)
			}
			router.Register(ex.ID, lb)
		}

		for _, bc := range ex.Configs {
			if err := a.engine.SetConfig(ctx, ex.ID, bc.Announcer, bc.Config()); err != nil {
				return fmt.Errorf("bootstrap config %s/%s: %w", ex.ID, bc.Announcer, err)
			}
		}
		a.logger.Info("executor wired", "executor", ex.ID, "mode", modeName(ex.Mode), "configs", len(ex.Configs))
	}
	return nil
}

// logDriver performs loopback calls by recording them in the service log.
func (a *app) logDriver() executor.Driver {
	logger := a.logger.With("component", "executor.loopback")
	return executor.DriverFunc(func(ctx context.Context, ex contracts.Principal, call contracts.Call) error {
		logger.InfoContext(ctx, "call performed",
			"executor", ex,
			"target", call.Target,
			"operation", call.Operation.String(),
			"value", call.Value.String(),
			"payload_bytes", len(call.Payload),
		)
		return nil
	})
}

// approvalPolicy combines the announcer allowlist and the CEL expression of
// a loopback executor. Nil approves everything.
func approvalPolicy(ex config.ExecutorSpec) (executor.Policy, error) {
	var policies []executor.Policy
	if len(ex.AllowAnnouncers) > 0 {
		policies = append(policies, executor.AllowAnnouncers(ex.AllowAnnouncers...))
	}
	if ex.ApprovalPolicy != "" {
		p, err := executor.NewCELPolicy(ex.ApprovalPolicy)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", ex.ID, err)
		}
		policies = append(policies, p.Policy())
	}
	switch len(policies) {
	case 0:
		return nil, nil
	case 1:
		return policies[0], nil
	default:
		return executor.AllOf(policies...), nil
	}
}

func modeName(mode string) string {
	if mode == "" {
		return config.ModeLoopback
	}
	return mode
}

func (a *app) keySet() (*identity.InMemoryKeySet, error) {
	if a.cfg.JWTSecret != "" {
		return identity.NewKeySetFromSecret([]byte(a.cfg.JWTSecret))
	}
	a.logger.Warn("HELM_TIMELOCK_JWT_SECRET not set: using an ephemeral signing key")
	return identity.NewInMemoryKeySet()
}

// serve runs the HTTP server until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	srv := a.server.HTTPServer(a.cfg.Addr)
	if a.archiver != nil {
		go a.archiver.Run(ctx, a.cfg.ArchiveInterval)
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases everything buildApp opened.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.archiver != nil {
		if _, err := a.archiver.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
