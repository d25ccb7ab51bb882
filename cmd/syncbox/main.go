package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/config"
	"github.com/basket/syncbox/internal/gateway"
	"github.com/basket/syncbox/internal/netstatus"
	otelPkg "github.com/basket/syncbox/internal/otel"
	"github.com/basket/syncbox/internal/outbox"
	"github.com/basket/syncbox/internal/replay"
	"github.com/basket/syncbox/internal/store"
	"github.com/basket/syncbox/internal/telemetry"
	"github.com/basket/syncbox/internal/webcache"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the sync daemon

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s flush [-tag <tag>]       Trigger outbox replay now
  %s monitor                  Interactive outbox dashboard

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SYNCBOX_HOME            Data directory (default: ~/.syncbox)
  SYNCBOX_UPSTREAM_URL    Backend base URL to front
  SYNCBOX_BIND_ADDR       Local listen address
  SYNCBOX_AUTH_TOKEN      Bearer token for control endpoints
  SYNCBOX_LOG_LEVEL       debug | info | warn | error

EXAMPLES:
  Run the daemon:         %s
  Check health:           %s status
  Force a replay:         %s flush
  Watch the outbox:       %s monitor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "flush":
			os.Exit(runFlushCommand(ctx, args[1:]))
		case "monitor":
			os.Exit(runMonitorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"config_hash", cfg.Fingerprint(), "version", Version)

	base, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		fatalStartup(logger, "E_UPSTREAM_URL", err)
	}

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	recorder := otelPkg.NewRecorder(metrics, eventBus)
	recorder.Start(ctx)
	defer recorder.Stop()

	// A broken durable store degrades the daemon to an online-only relay
	// instead of taking it down: no cache, no outbox capture, mutations
	// forwarded directly upstream.
	dbPath := filepath.Join(cfg.HomeDir, "syncbox.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		logger.Error("durable store unavailable, degrading to online-only relay",
			"db", dbPath, "error", err)
		st = nil
	} else {
		defer st.Close()
		logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)
	}

	httpClient := &http.Client{Timeout: cfg.ReplayTimeout()}

	var (
		cache        *webcache.Cache
		registrar    *outbox.Registrar
		outboxClient *outbox.Client
	)
	if st != nil {
		cache = webcache.New(webcache.Config{
			Store:        st,
			Bus:          eventBus,
			Base:         base,
			HTTPClient:   httpClient,
			Logger:       logger,
			ShellVersion: cfg.Shell.Version,
			Manifest:     cfg.Shell.Manifest,
			OfflinePath:  cfg.Shell.OfflinePath,
			APIPrefix:    cfg.Routes.APIPrefix,
		})
		// A failed install is not fatal: starting offline means serving
		// whatever earlier generations already cached.
		if err := cache.Install(ctx); err != nil {
			logger.Warn("shell install failed, serving existing cache", "error", err)
		} else if err := cache.Activate(ctx); err != nil {
			logger.Warn("cache activation failed", "error", err)
		}
		logger.Info("startup phase", "phase", "cache_ready",
			"static", cache.StaticGeneration(), "dynamic", cache.DynamicGeneration())

		registrar = outbox.NewRegistrar(eventBus, logger)
		outboxClient = outbox.NewClient(base, httpClient, st, registrar, logger)
	}

	prober := netstatus.New(netstatus.Config{
		Base:       base,
		Path:       cfg.Probe.Path,
		Interval:   cfg.ProbeInterval(),
		HTTPClient: httpClient,
		Bus:        eventBus,
		Logger:     logger,
	})

	if st != nil {
		worker := replay.NewWorker(replay.Config{
			Store:       st,
			Bus:         eventBus,
			Base:        base,
			HTTPClient:  httpClient,
			Logger:      logger,
			Concurrency: cfg.Replay.Concurrency,
			MaxAttempts: cfg.Replay.MaxAttempts,
		})
		worker.Start(ctx)
		defer worker.Stop()

		sched, err := replay.NewScheduler(worker, cfg.Replay.SweepCron, logger)
		if err != nil {
			fatalStartup(logger, "E_SWEEP_CRON", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("startup phase", "phase", "replay_ready",
			"sweep_cron", cfg.Replay.SweepCron, "max_attempts", cfg.Replay.MaxAttempts)
	}

	// The prober starts after the worker so the first offline→online edge
	// is not lost.
	prober.Start(ctx)
	defer prober.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				if fresh.Fingerprint() == cfg.Fingerprint() {
					continue
				}
				logger.Warn("config changed on disk; restart to apply",
					"old_hash", cfg.Fingerprint(), "new_hash", fresh.Fingerprint())
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             st,
		Cache:             cache,
		Outbox:            outboxClient,
		Registrar:         registrar,
		Bus:               eventBus,
		Prober:            prober,
		Logger:            logger,
		Base:              base,
		APIPrefix:         cfg.Routes.APIPrefix,
		EntityLists:       cfg.Routes.EntityLists,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		HTTPClient:        httpClient,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "upstream", cfg.UpstreamURL, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain background work via the deferred
	// Stop calls, then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"syncbox","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
