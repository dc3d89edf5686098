// Command moonbridge is the API gateway binary: it loads configuration,
// wires every component described in SPEC_FULL.md, and serves HTTP and
// WebSocket JSON-RPC until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/moonbridge/moonbridge/internal/auth"
	"github.com/moonbridge/moonbridge/internal/components"
	"github.com/moonbridge/moonbridge/internal/components/coreapi"
	"github.com/moonbridge/moonbridge/internal/components/filemanager"
	"github.com/moonbridge/moonbridge/internal/components/historystub"
	"github.com/moonbridge/moonbridge/internal/components/paneldue"
	"github.com/moonbridge/moonbridge/internal/config"
	"github.com/moonbridge/moonbridge/internal/db"
	"github.com/moonbridge/moonbridge/internal/eventbus"
	"github.com/moonbridge/moonbridge/internal/fsroots"
	"github.com/moonbridge/moonbridge/internal/gateway"
	"github.com/moonbridge/moonbridge/internal/hostconn"
	"github.com/moonbridge/moonbridge/internal/logging"
	"github.com/moonbridge/moonbridge/internal/metrics"
	"github.com/moonbridge/moonbridge/internal/server"
	"github.com/moonbridge/moonbridge/internal/shellrunner"
)

var (
	configPath string
	logPath    string
	debugLog   bool
)

func main() {
	root := &cobra.Command{
		Use:   "moonbridge",
		Short: "moonbridge is an API gateway for a local 3D-printer control process",
		RunE:  runServe,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	root.Flags().StringVar(&logPath, "log-file", "", "path to the log file (stderr-only if empty)")
	root.Flags().BoolVar(&debugLog, "debug", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log, closer := logging.New(logging.Options{LogPath: logPath, Debug: debugLog})
	if closer != nil {
		defer closer.Close()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, shutdown, err := bootstrap(ctx, log, cfg, cancel)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("moonbridge listening")
	return gw.Listen(ctx, addr)
}

// shutdownFunc releases every resource bootstrap opened, in reverse
// dependency order.
type shutdownFunc func(ctx context.Context)

func bootstrap(ctx context.Context, log zerolog.Logger, cfg *config.Root, restart func()) (*gateway.Server, shutdownFunc, error) {
	m, err := metrics.New(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("metrics initialization failed, continuing without instrumentation")
	}

	facade, err := db.Open(log, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	guard, err := auth.New(log, auth.Config{
		RequireAuth:   cfg.Authorization.RequireAuth,
		TrustedIPs:    cfg.Authorization.TrustedIPs,
		TrustedRanges: cfg.Authorization.TrustedRanges,
		APIKeyFile:    cfg.Authorization.APIKeyFile,
		EnableCORS:    cfg.Server.EnableCORS,
	})
	if err != nil {
		facade.Close()
		return nil, nil, fmt.Errorf("initializing auth guard: %w", err)
	}

	roots := fsroots.New(log)
	for name, path := range cfg.FileManager.Roots {
		access := fsroots.ReadOnly
		if name == "gcodes" || name == "config" {
			access = fsroots.ReadWrite
		}
		if err := roots.RegisterDirectory(name, path, access); err != nil {
			log.Warn().Err(err).Str("root", name).Msg("failed to register file root")
		}
	}

	bus := eventbus.New(log)
	shell := shellrunner.New(log)
	gw := gateway.New(log, guard)

	client := hostconn.NewClient(log)
	session := hostconn.NewSession(log, bus, client, cfg.Server.KlippyUDS)
	gw.SetSubscriptionTracker(session)

	registry := components.New(log)

	srvCtx := server.New(cfg, log, bus, session, gw, facade, roots, guard, shell, m,
		registry.Lookup(), componentFailures(registry))

	// Core components load first, in the fixed order spec.md §4.8 lists:
	// database, file-manager, host-API helper, machine, data-store,
	// shell-command. Only file_manager and the host-API helper exist as
	// registry components here; the rest are plain collaborators wired
	// above without going through component lifecycle hooks.
	registry.Register(filemanager.New(cfg.Metadata.ExtractorPath))
	registry.Register(coreapi.New(restart))
	registry.Register(historystub.New())
	if devicePath, ok := componentString(cfg, "paneldue", "serial_device"); ok {
		registry.Register(paneldue.New(devicePath))
	}

	// No component failure aborts start-up, per spec.md §4.8; each is
	// logged and left in the registry's failed-component list, which
	// /server/info surfaces to clients.
	for _, failure := range registry.LoadAll(srvCtx) {
		log.Warn().Err(failure.Err).Str("component", failure.Component).Msg("component failed to load")
	}

	bus.SetNotifier(func(method string, args []any) {
		gw.Broadcast(method, args)
	})

	session.Start(ctx)

	shutdown := func(sctx context.Context) {
		session.Stop()
		registry.CloseAll(sctx)
		guard.Close()
		facade.Close()
	}

	return gw, shutdown, nil
}

// componentFailures adapts the registry's own LoadFailure type to the
// server.ComponentFailure view Context exposes to components, keeping
// server.Context free of a direct components package import.
func componentFailures(registry *components.Registry) func() []server.ComponentFailure {
	return func() []server.ComponentFailure {
		loaded := registry.Failed()
		out := make([]server.ComponentFailure, len(loaded))
		for i, f := range loaded {
			out[i] = server.ComponentFailure{Component: f.Component, Message: f.Err.Error()}
		}
		return out
	}
}

func componentString(cfg *config.Root, component, key string) (string, bool) {
	section, ok := cfg.Components[component]
	if !ok {
		return "", false
	}
	v, ok := section[key].(string)
	return v, ok
}
