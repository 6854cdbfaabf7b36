package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/config"
	"github.com/fyrsmithlabs/validationd/internal/events"
	"github.com/fyrsmithlabs/validationd/internal/executor"
	apihttp "github.com/fyrsmithlabs/validationd/internal/http"
	"github.com/fyrsmithlabs/validationd/internal/idempotency"
	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/logging"
	"github.com/fyrsmithlabs/validationd/internal/mcp"
	"github.com/fyrsmithlabs/validationd/internal/orchestrator"
	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/pivot"
	"github.com/fyrsmithlabs/validationd/internal/poller"
	"github.com/fyrsmithlabs/validationd/internal/secrets"
	"github.com/fyrsmithlabs/validationd/internal/store"
	"github.com/fyrsmithlabs/validationd/internal/telemetry"
	"github.com/fyrsmithlabs/validationd/internal/workflows"
)

// app holds the wired services and the resources to release on exit.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *store.SQLiteStore
	auth      initiator.Authenticator
	scrubber  secrets.Scrubber
	service   *orchestrator.Service

	natsServer *natsserver.Server
	natsConn   *nats.Conn
	idemStore  idempotency.Store
	temporal   client.Client
	worker     worker.Worker
	reconciler *workflows.Reconciler
}

// buildApp loads configuration and wires every component. stderrLogs keeps
// stdout clean for the MCP stdio transport; runWorker starts the Temporal
// kickoff retry worker.
func buildApp(ctx context.Context, opts *options, stderrLogs, runWorker bool) (*app, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.embeddedNATS {
		cfg.NATS.Enabled = true
		cfg.NATS.Embedded = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	logCfg, err := logging.FromAppConfig(cfg.Logging, cfg.Observability.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	logCfg.Output.Stderr = stderrLogs
	if a.logger, err = logging.NewLogger(logCfg, nil); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.logger.Underlying()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version),
		telemetry.WithDegradedHandler(func(reason string) {
			zl.Warn("telemetry degraded", zap.String("reason", reason))
		}))
	if err != nil {
		return nil, err
	}

	if a.store, err = store.Open(cfg.Store.Path); err != nil {
		return nil, err
	}
	zl.Info("store opened", zap.String("path", cfg.Store.Path))

	if err := a.connectNATS(zl); err != nil {
		return nil, err
	}
	var publisher events.Publisher = events.Nop{}
	if a.natsConn != nil {
		if publisher, err = events.NewNATSPublisher(a.natsConn, cfg.NATS.SubjectPrefix); err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
	}

	idemMetrics := idempotency.NewMetrics()
	switch cfg.Idempotency.Backend {
	case "nats":
		if a.natsConn == nil {
			return nil, errors.New("idempotency backend nats requires a NATS connection")
		}
		if a.idemStore, err = idempotency.NewNATSStore(ctx, a.natsConn, cfg.Idempotency.Bucket, cfg.Idempotency.TTL.Duration()); err != nil {
			return nil, err
		}
	default:
		a.idemStore = idempotency.NewMemoryStore(cfg.Idempotency.TTL.Duration(), cfg.Idempotency.SweepInterval.Duration(),
			idempotency.WithMetrics(idemMetrics))
	}
	guard, err := idempotency.NewGuard(a.idemStore, zl.Named("idempotency"),
		idempotency.WithClaimWait(cfg.Idempotency.ClaimWait.Duration()),
		idempotency.WithGuardMetrics(idemMetrics))
	if err != nil {
		return nil, err
	}

	if !cfg.Executor.Configured() {
		zl.Warn("executor endpoints not configured; kickoffs will fail until they are set")
	}
	exec := executor.NewClient(executor.Config{
		KickoffURL:     cfg.Executor.KickoffURL,
		StatusURL:      cfg.Executor.StatusURL,
		HITLApproveURL: cfg.Executor.HITLApproveURL,
		Token:          cfg.Executor.Token.Value(),
		RequestTimeout: cfg.Executor.RequestTimeout.Duration(),
		RateLimit:      cfg.Executor.RateLimit,
		Burst:          cfg.Executor.Burst,
	}, zl.Named("executor"),
		executor.WithMetrics(executor.NewMetrics(zl)),
		executor.WithTracer(a.telemetry.Tracer("github.com/fyrsmithlabs/validationd/executor")))

	tables, err := phase.NewTables(phase.Flow(cfg.Initiation.DefaultFlow), phase.QuickStart(), phase.Legacy())
	if err != nil {
		return nil, err
	}
	if a.scrubber, err = secrets.New(secrets.DefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}
	a.auth = initiator.NewTokenAuthenticator(cfg.Initiation.Tokens())

	var scheduler initiator.KickoffScheduler
	if cfg.Temporal.Enabled {
		if scheduler, err = a.startTemporal(exec, publisher, runWorker, zl); err != nil {
			return nil, err
		}
	}

	starter, err := initiator.New(initiator.Config{
		MinIdeaLength:    cfg.Initiation.MinIdeaLength,
		MaxIdeaLength:    cfg.Initiation.MaxIdeaLength,
		MaxContextLength: cfg.Initiation.MaxContextLength,
		RedirectBase:     cfg.Server.RedirectBase,
	}, initiator.Deps{
		Store:     a.store,
		Executor:  exec,
		Guard:     guard,
		Auth:      a.auth,
		Limiter:   initiator.NewUserLimiter(cfg.Initiation.StartLimit, cfg.Initiation.StartWindow.Duration()),
		Scrubber:  a.scrubber,
		Events:    publisher,
		Tables:    tables,
		Scheduler: scheduler,
		Logger:    zl.Named("initiator"),
	})
	if err != nil {
		return nil, err
	}

	a.service, err = orchestrator.NewService(orchestrator.Deps{
		Store:     a.store,
		Executor:  exec,
		Initiator: starter,
		Tables:    tables,
		Pivots:    pivot.NewEngine(cfg.Pivot.MaxPivots),
		Poll: poller.Config{
			Interval:    cfg.Poll.Interval.Duration(),
			MaxAttempts: cfg.Poll.MaxAttempts,
		},
		Scrubber: a.scrubber,
		Events:   publisher,
		Metrics:  orchestrator.NewMetrics(),
		Logger:   zl.Named("orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// connectNATS dials the configured server or starts the embedded one.
func (a *app) connectNATS(logger *zap.Logger) error {
	cfg := a.cfg.NATS
	if !cfg.Enabled {
		return nil
	}

	url := cfg.URL
	if cfg.Embedded {
		dir := cfg.StoreDir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(a.cfg.Store.Path), "nats")
		}
		srv, err := startEmbeddedNATS(dir)
		if err != nil {
			return err
		}
		a.natsServer = srv
		url = srv.ClientURL()
		logger.Info("embedded NATS started", zap.String("url", url), zap.String("store_dir", dir))
	}
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("validationd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	a.natsConn = nc
	logger.Info("connected to NATS", zap.String("url", url))
	return nil
}

// startEmbeddedNATS runs a loopback-only JetStream server on a free port.
func startEmbeddedNATS(storeDir string) (*natsserver.Server, error) {
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create NATS store directory: %w", err)
	}
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      natsserver.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server did not become ready")
	}
	return srv, nil
}

// startTemporal dials Temporal and, when runWorker is set, starts the
// kickoff retry worker. It returns the scheduler handed to the initiator.
func (a *app) startTemporal(exec executor.JobControl, pub events.Publisher, runWorker bool, logger *zap.Logger) (*workflows.Scheduler, error) {
	cfg := a.cfg.Temporal
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    workflows.NewTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", cfg.HostPort, err)
	}
	a.temporal = c

	scheduler, err := workflows.NewScheduler(c, cfg.TaskQueue, int32(cfg.KickoffMaxAttempts), logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	if !runWorker {
		return scheduler, nil
	}

	acts, err := workflows.NewActivities(a.store, exec, pub, logger.Named("activities"))
	if err != nil {
		return nil, err
	}
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.KickoffRetryWorkflow)
	w.RegisterActivity(acts)
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("failed to start Temporal worker: %w", err)
	}
	a.worker = w
	if a.reconciler, err = workflows.NewReconciler(a.store, scheduler, cfg.ReconcileInterval.Duration(), logger.Named("reconciler")); err != nil {
		return nil, err
	}
	logger.Info("temporal worker started",
		zap.String("host_port", cfg.HostPort),
		zap.String("task_queue", cfg.TaskQueue))
	return scheduler, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.idemStore != nil {
		_ = a.idemStore.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.natsServer != nil {
		a.natsServer.Shutdown()
		a.natsServer.WaitForShutdown()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.telemetry.Shutdown(ctx)
		cancel()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// serve runs the HTTP daemon until ctx is cancelled.
func serve(ctx context.Context, opts *options) error {
	a, err := buildApp(ctx, opts, false, true)
	if err != nil {
		return err
	}
	defer a.Close()
	zl := a.logger.Underlying()

	srv, err := apihttp.NewServer(apihttp.Deps{
		Runs:      a.service,
		Auth:      a.auth,
		Store:     a.store,
		Telemetry: a.telemetry,
		Logger:    zl.Named("http"),
	}, &apihttp.Config{Host: opts.host, Port: a.cfg.Server.Port})
	if err != nil {
		return err
	}

	if a.reconciler != nil {
		go a.reconciler.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	zl.Info("validationd started",
		zap.String("version", version),
		zap.String("addr", net.JoinHostPort(opts.host, strconv.Itoa(a.cfg.Server.Port))),
		zap.Bool("executor_configured", a.cfg.Executor.Configured()),
		zap.String("idempotency_backend", a.cfg.Idempotency.Backend),
		zap.Bool("nats", a.natsConn != nil),
		zap.Bool("temporal", a.temporal != nil))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down", zap.Duration("timeout", a.cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// serveMCP serves the MCP tools on stdio until the client disconnects.
func serveMCP(ctx context.Context, opts *options) error {
	a, err := buildApp(ctx, opts, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpCfg := mcp.DefaultConfig()
	mcpCfg.Version = version
	mcpCfg.Token = opts.mcpToken
	mcpCfg.Logger = a.logger.Underlying().Named("mcp")
	srv, err := mcp.NewServer(mcpCfg, a.service, a.auth, a.scrubber)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "validationd mcp started (store %s)\n", a.cfg.Store.Path)
	return srv.Run(ctx)
}
