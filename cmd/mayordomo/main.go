// Command mayordomo runs the assistant daemon: Telegram channel, loopback
// HTTP bridge, scheduler and outbox workers over a single SQLite state
// store. Subcommands cover diagnostics and version info.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/almacen/mayordomo/internal/admin"
	"github.com/almacen/mayordomo/internal/ai"
	"github.com/almacen/mayordomo/internal/audit"
	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/channels"
	"github.com/almacen/mayordomo/internal/clarify"
	"github.com/almacen/mayordomo/internal/config"
	"github.com/almacen/mayordomo/internal/doctor"
	"github.com/almacen/mayordomo/internal/executor"
	"github.com/almacen/mayordomo/internal/gateway"
	"github.com/almacen/mayordomo/internal/handlers"
	"github.com/almacen/mayordomo/internal/idempotency"
	"github.com/almacen/mayordomo/internal/obs"
	otelx "github.com/almacen/mayordomo/internal/otel"
	"github.com/almacen/mayordomo/internal/outbox"
	"github.com/almacen/mayordomo/internal/pipeline"
	"github.com/almacen/mayordomo/internal/policy"
	"github.com/almacen/mayordomo/internal/router"
	"github.com/almacen/mayordomo/internal/schedule"
	"github.com/almacen/mayordomo/internal/store"
	"github.com/almacen/mayordomo/internal/telemetry"
)

// Version is stamped by the release build via -ldflags.
var Version = "v0.3.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `mayordomo - asistente personal por Telegram y bridge local

Usage:
  mayordomo            run the daemon
  mayordomo doctor     run environment diagnostics (add -json for JSON output)
  mayordomo version    print the version
  mayordomo help       show this help

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures still leave a trace.
	if err := audit.Init(cfg.AuditLogPath); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	otelProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    exporterName(cfg.Telemetry.Exporter),
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics := obs.NewRegistry()
	if cfg.Telemetry.Enabled {
		mirror, err := otelx.NewMetrics(otelProvider.Meter)
		if err != nil {
			fatalStartup(logger, "E_OTEL_INIT", err)
		}
		metrics.SetMirror(mirror)
	}

	st, err := store.Open(cfg.StateDBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.StateDBPath)

	// Policy and routes bootstrap: first run writes the defaults so the
	// operator has files to edit.
	policyPath := filepath.Join(cfg.HomeDir, "policy.json")
	pol, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol, policyPath)

	routesPath := filepath.Join(cfg.HomeDir, "routes.json")
	if _, statErr := os.Stat(routesPath); os.IsNotExist(statErr) {
		if err := router.SaveRoutes(routesPath, router.DefaultRoutes()); err != nil {
			fatalStartup(logger, "E_ROUTES_BOOTSTRAP", err)
		}
	}
	routesFile, err := router.LoadRoutes(routesPath)
	if err != nil {
		fatalStartup(logger, "E_ROUTES_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "routes", len(routesFile.Routes))

	dataset, err := router.OpenDatasetLog(filepath.Join(cfg.HomeDir, "router_dataset.jsonl"))
	if err != nil {
		fatalStartup(logger, "E_DATASET_OPEN", err)
	}
	defer dataset.Close()

	var provider ai.ChatProvider
	if cfg.AI.Provider != "" {
		p, err := ai.NewOpenAIProvider(ai.OpenAIConfig{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Model:   cfg.AI.Model,
			Timeout: 30 * time.Second,
		})
		if err != nil {
			logger.Warn("AI provider unavailable, continuing without fallback", "error", err)
		} else {
			provider = p
		}
	}
	var picker router.Picker
	if provider != nil {
		picker = ai.NewRoutePicker(provider)
	}

	rt := router.New(routesFile, router.Options{
		Config:  cfg.Router,
		Picker:  picker,
		Dataset: dataset,
		Logger:  logger,
	})
	seedCalibration(ctx, st, rt, logger)

	versions, err := router.LoadVersions(filepath.Join(cfg.HomeDir, "router_versions.json"))
	if err != nil {
		fatalStartup(logger, "E_VERSIONS_LOAD", err)
	}
	if len(versions.List()) == 0 {
		if _, err := versions.Save("startup", routesFile, cfg.Router.HybridAlpha, cfg.Router.MinScoreGap); err != nil {
			logger.Warn("version snapshot failed", "error", err)
		}
	}
	if cfg.Router.CanarySplitPercent > 0 {
		snap, ok := versions.Get(versions.ActiveID())
		if !ok {
			snap, ok = versions.Latest()
		}
		if ok {
			rt.ActivateCanary(snap.Canary())
			if err := versions.SetActive(snap.ID); err != nil {
				logger.Warn("version activation not persisted", "error", err)
			}
		}
	}

	security := admin.NewSecurity(st, cfg.ApprovalTTL(), logger)
	security.StartJanitor(ctx, time.Minute)

	gmail := handlers.NewGmailHandler(st, nil)
	registry := handlers.NewRegistry(
		gmail,
		handlers.NewRecipientsHandler(st),
		handlers.NewScheduleHandler(st, time.Now),
		handlers.NewWorkspaceHandler(cfg.WorkspaceDir, st),
		handlers.NewDocumentHandler(cfg.WorkspaceDir, st, provider),
		handlers.NewMemoryHandler(filepath.Join(cfg.HomeDir, "memory"), provider),
		handlers.NewWebHandler(nil, st),
		handlers.NewConnectorHandler(os.Getenv("MAYORDOMO_CONNECTOR_URL"), os.Getenv("MAYORDOMO_CONNECTOR_TOKEN")),
		handlers.NewSelfMaintenanceHandler(provider, nil),
		handlers.NewSmalltalkHandler(provider),
	)

	eventBus := bus.New()
	exec := executor.New(executor.Config{
		Registry:        registry,
		Policy:          livePolicy,
		Security:        security,
		Store:           st,
		Metrics:         metrics,
		Bus:             eventBus,
		Logger:          logger,
		SecurityProfile: cfg.SecurityProfile,
		Timeout:         cfg.HandlerTimeout(),
		RetryAttempts:   cfg.RetryAttempts,
		RetryBase:       cfg.RetryBase(),
		BreakerSet:      executor.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown(), time.Now),
	})

	var tg *channels.Telegram
	var egress schedule.Egress
	if cfg.Telegram.Enabled {
		tg = channels.NewTelegram(cfg.Telegram.Token, cfg.AllowedUserIDs, nil, security, metrics, logger)
		egress = tg
	} else {
		egress = logEgress{logger: logger}
	}

	pipe := pipeline.New(pipeline.Config{
		Store:      st,
		Clarify:    clarify.NewStore(cfg.ClarificationTTL()),
		Router:     rt,
		Executor:   exec,
		Security:   security,
		Egress:     egress,
		Provider:   provider,
		Bus:        eventBus,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Logger:     logger,
		MaxPerChat: cfg.QueueMaxPerChat,
		MaxTotal:   cfg.QueueMaxTotal,
	})
	pipe.Start(ctx)
	if tg != nil {
		tg.SetSink(pipe)
	}

	scheduler := schedule.New(schedule.Config{
		Store:    st,
		Bus:      eventBus,
		Egress:   egress,
		Mail:     gmail,
		Metrics:  metrics,
		Logger:   logger,
		Interval: time.Duration(cfg.SchedulePollSec) * time.Second,
		Now:      time.Now,
	})
	scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started")

	outboxWorker := outbox.New(outbox.Config{
		Store:       st,
		Bus:         eventBus,
		Egress:      egress,
		Metrics:     metrics,
		Logger:      logger,
		Interval:    time.Duration(cfg.OutboxPollSec) * time.Second,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})
	outboxWorker.Start(ctx)

	idem := idempotency.NewManager(st, cfg.IdempotencyTTL(), logger)
	idem.StartJanitor(ctx)

	guard := router.NewCanaryGuard(rt, st,
		cfg.Router.CanaryMinAccuracy,
		cfg.Router.CanaryBreachesToDisable,
		time.Duration(cfg.Router.CanaryGuardIntervalSec)*time.Second,
		func(version int) {
			if err := versions.SetActive(0); err != nil {
				logger.Warn("canary deactivation not persisted", "version", version, "error", err)
			}
		})
	go guard.Run(ctx)

	miner := router.NewHardNegativeMiner(rt, dataset,
		cfg.Router.MinerWindow,
		cfg.Router.MinerMaxNegPerRoute,
		time.Duration(cfg.Router.MinerIntervalSec)*time.Second,
		routesPath)
	go miner.Run(ctx)
	go recalibrateLoop(ctx, st, rt, logger)

	var defaultChat int64
	if len(cfg.AllowedUserIDs) > 0 {
		defaultChat = cfg.AllowedUserIDs[0]
	}
	allowedUsers := make(map[int64]bool, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowedUsers[id] = true
	}
	gw := gateway.New(gateway.Config{
		Pipeline:     pipe,
		Idempotency:  idem,
		Metrics:      metrics,
		Bus:          eventBus,
		Logger:       logger,
		AuthToken:    cfg.Bridge.AuthToken,
		MessagePath:  cfg.Bridge.MessagePath,
		Service:      "mayordomo",
		Version:      Version,
		Profile:      cfg.SecurityProfile,
		AllowedUsers: allowedUsers,
		DefaultChat:  defaultChat,
		MaxBodyKiB:   cfg.Bridge.MaxBodyKiB,
	})
	server := &http.Server{
		Addr:              cfg.Bridge.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "bridge_bound", "addr", cfg.Bridge.BindAddr)

	if tg != nil {
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("hot reload unavailable", "error", err)
	} else {
		go reloadLoop(ctx, watcher, rt, versions, livePolicy, cfg.Router, routesPath, policyPath, logger)
	}

	logger.Info("startup phase", "phase", "started", "version", Version)
	audit.Record("daemon.started", 0, 0, "", map[string]any{"version": Version})

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("bridge server error", "error", err)
	}

	// Shutdown order: stop intake, drain chat lanes, stop the periodic
	// workers, flush the outbox once more.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := pipe.Stop(cfg.DrainTimeout()); err != nil {
		logger.Warn("pipeline drain incomplete", "error", err)
	}
	scheduler.Stop()
	outboxWorker.Stop()
	outboxWorker.Drain(shutdownCtx)
	audit.Record("daemon.stopped", 0, 0, "", nil)
	logger.Info("shutdown complete")
}

// exporterName maps the config's exporter names onto the telemetry layer's.
func exporterName(name string) string {
	switch name {
	case "otlp":
		return "otlp-http"
	case "", "stdout":
		return "stdout"
	default:
		return name
	}
}

// seedCalibration trains the score-calibration bins from the confirmed
// routing decisions already on disk.
func seedCalibration(ctx context.Context, st *store.Store, rt *router.Router, logger *slog.Logger) {
	decisions, err := st.RecentDecisions(ctx, 2000)
	if err != nil {
		logger.Warn("calibration seed failed", "error", err)
		return
	}
	cal := router.NewCalibration()
	n := 0
	for _, d := range decisions {
		if d.Confirmed == nil {
			continue
		}
		cal.Observe(d.Route, d.Score, *d.Confirmed)
		n++
	}
	if n > 0 {
		rt.SetCalibration(cal)
		logger.Info("calibration seeded", "samples", n)
	}
}

// recalibrateLoop retrains the calibration bins as new confirmations land.
func recalibrateLoop(ctx context.Context, st *store.Store, rt *router.Router, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seedCalibration(ctx, st, rt, logger)
		}
	}
}

// reloadLoop applies edits to routes.json and policy.json without a
// restart. A config.yaml edit only logs; the daemon keeps the validated
// snapshot it booted with.
func reloadLoop(ctx context.Context, w *config.Watcher, rt *router.Router, versions *router.VersionRing, lp *policy.LivePolicy, rc config.RouterConfig, routesPath, policyPath string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "routes.json":
				rf, err := router.LoadRoutes(routesPath)
				if err != nil {
					logger.Error("routes reload rejected", "error", err)
					continue
				}
				rt.SetRoutes(rf)
				if _, err := versions.Save("reload", rf, rc.HybridAlpha, rc.MinScoreGap); err != nil {
					logger.Warn("version snapshot failed", "error", err)
				}
				logger.Info("routes reloaded", "routes", len(rf.Routes))
			case "policy.json":
				if err := policy.ReloadFromFile(lp, policyPath); err != nil {
					logger.Error("policy reload rejected", "error", err)
					continue
				}
				logger.Info("policy reloaded")
			case "config.yaml":
				logger.Info("config.yaml changed, restart to apply")
			}
		}
	}
}

// logEgress stands in for Telegram when the channel is disabled: replies
// are logged instead of delivered, which keeps bridge-only setups running.
type logEgress struct {
	logger *slog.Logger
}

func (e logEgress) Send(_ context.Context, chatID int64, text string) error {
	e.logger.Info("reply (no delivery channel)", "chat", chatID, "text", text)
	return nil
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the diagnosis as JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diag)
	} else {
		fmt.Printf("mayordomo %s (%s/%s, %s)\n\n", diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go)
		for _, r := range diag.Results {
			fmt.Printf("  [%s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
		fmt.Println()
	}
	if !diag.Healthy() {
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("daemon.fatal", 0, 0, "", map[string]any{"reason_code": reasonCode, "error": message})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
