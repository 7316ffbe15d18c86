package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/LibreQoE/bufferbloat-test/internal/adapter/ping"
	"github.com/LibreQoE/bufferbloat-test/internal/adapter/supervisor"
	"github.com/LibreQoE/bufferbloat-test/internal/adapter/worker"
	"github.com/LibreQoE/bufferbloat-test/internal/app"
	"github.com/LibreQoE/bufferbloat-test/internal/config"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/internal/version"
)

func main() {
	var (
		role        = flag.String("role", "supervisor", "process role: supervisor, worker, ping, frontdoor")
		persona     = flag.String("persona", "", "persona served when role=worker")
		port        = flag.Int("port", 0, "listener port override for worker and ping roles")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		version.PrintVersionInfo(true, log.New(os.Stdout, "", 0))
		return
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	_, styled, cleanup, err := logger.NewWithTheme(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Directory,
		Theme:      cfg.Logging.Theme,
		Role:       *role,
		FileOutput: cfg.Logging.FileOutput,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     14,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "supervisor":
		version.PrintVersionInfo(false, log.New(os.Stdout, "", 0))
		err = runSupervisor(ctx, cfg, styled)
	case "worker":
		err = runWorker(ctx, cfg, *persona, *port, styled)
	case "ping":
		err = runPing(ctx, cfg, *port, styled)
	case "frontdoor":
		err = runFrontDoor(ctx, cfg, styled)
	default:
		err = fmt.Errorf("unknown role %q", *role)
	}

	if err != nil {
		logger.FatalWithLogger(styled.GetUnderlying(), "Fatal error", "role", *role, "error", err)
	}
}

// runSupervisor brings up the whole system: the persona worker fleet and the
// ping responder as child processes, the front door in-process so discovery
// reads the manager's worker table directly.
func runSupervisor(ctx context.Context, cfg *config.Config, styled *logger.StyledLogger) error {
	personaPorts := make(map[domain.Persona]int)
	for _, p := range domain.AllPersonas() {
		personaPorts[p] = cfg.Personas.PortFor(p)
	}

	manager, err := supervisor.NewManager(cfg.Server.Host, personaPorts, nil, styled)
	if err != nil {
		return err
	}

	control := worker.NewControlClient(personaPorts, styled)
	frontDoor, err := app.New(cfg, manager, control, styled)
	if err != nil {
		return err
	}

	// A respawned worker loses its registrations and live connections, so
	// tests measuring through the fleet are aborted rather than left to run
	// against a blank process.
	manager.OnWorkerRestart(func(p domain.Persona) {
		frontDoor.Orchestrator().AbortWorkerTests(p)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Start(gctx) })
	g.Go(func() error {
		return supervisor.RunAuxiliary(gctx, "ping",
			[]string{"--port", fmt.Sprintf("%d", cfg.Ping.Port)}, styled)
	})
	g.Go(func() error { return frontDoor.Run(gctx) })
	return g.Wait()
}

func runWorker(ctx context.Context, cfg *config.Config, rawPersona string, port int, styled *logger.StyledLogger) error {
	persona, ok := domain.ParsePersona(rawPersona)
	if !ok {
		return fmt.Errorf("worker role requires a valid --persona, got %q", rawPersona)
	}
	if port == 0 {
		port = cfg.Personas.PortFor(persona)
	}

	server, err := worker.NewServer(persona, cfg.Server.Host, port, styled)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func runPing(ctx context.Context, cfg *config.Config, port int, styled *logger.StyledLogger) error {
	if port == 0 {
		port = cfg.Ping.Port
	}
	return ping.NewServer(port, styled).Start(ctx)
}

// runFrontDoor serves the HTTP surface without a worker fleet; discovery
// reports degraded and household WS proxying is unavailable.
func runFrontDoor(ctx context.Context, cfg *config.Config, styled *logger.StyledLogger) error {
	personaPorts := make(map[domain.Persona]int)
	for _, p := range domain.AllPersonas() {
		personaPorts[p] = cfg.Personas.PortFor(p)
	}
	control := worker.NewControlClient(personaPorts, styled)

	frontDoor, err := app.New(cfg, nil, control, styled)
	if err != nil {
		return err
	}
	return frontDoor.Run(ctx)
}
