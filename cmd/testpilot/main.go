// Command testpilot runs the AI test-flow daemon: generates test flows
// from a prompt, executes approved flows on the Browser Use cloud, and
// serves the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/testpilot/pkg/bus"
	"github.com/odvcencio/testpilot/pkg/cloud"
	"github.com/odvcencio/testpilot/pkg/config"
	"github.com/odvcencio/testpilot/pkg/flowgen"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/orchestrator"
	"github.com/odvcencio/testpilot/pkg/server"
	"github.com/odvcencio/testpilot/pkg/storage"
	"github.com/odvcencio/testpilot/pkg/telemetry"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = runServe(args)
	case "version":
		fmt.Println("testpilot " + version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: testpilot [command] [flags]

commands:
  serve     run the API daemon (default)
  version   print the version
  help      show this help

serve flags:
  -config        path to a config file
  -bind          address to bind the API server
  -require-token reject clients that do not supply an auth token
  -public-metrics expose /metrics without authentication
  -trace         emit spans to stdout`)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	bind := fs.String("bind", "", "address to bind the API server")
	requireToken := fs.Bool("require-token", false, "reject clients that do not supply an auth token")
	publicMetrics := fs.Bool("public-metrics", false, "expose /metrics without authentication")
	enableTrace := fs.Bool("trace", false, "emit spans to stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.BindAddress = *bind
	}
	if *requireToken {
		cfg.Server.RequireToken = true
	}
	if *publicMetrics {
		cfg.Server.PublicMetrics = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableTrace {
		tp, err := telemetry.NewTracerProvider("testpilot")
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	logger, err := logging.NewLogger(cfg.Logging.Dir, "daemon")
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	cloudClient := cloud.NewClientWithOptions(cfg.Cloud.APIKey, cfg.Cloud.BaseURL, cloud.ClientOptions{
		Timeout:      cfg.Cloud.Timeout,
		PollInterval: cfg.Cloud.PollInterval,
	})
	generator := flowgen.NewGeneratorWithOptions(cfg.Flowgen.APIKey, cfg.Flowgen.BaseURL, flowgen.GeneratorOptions{
		Model:       cfg.Flowgen.Model,
		MaxTokens:   cfg.Flowgen.MaxTokens,
		Temperature: cfg.Flowgen.Temperature,
	})

	hub := telemetry.NewHub()
	defer hub.Close()

	orch := orchestrator.New(store, cloudClient, generator, hub, logger, orchestrator.Options{
		MaxSessions: cfg.Cloud.MaxSessions,
		FlowCount:   cfg.Flowgen.FlowCount,
	})

	var eventBus bus.MessageBus
	if cfg.Bus.Enabled {
		busCfg := bus.DefaultConfig()
		if cfg.Bus.URL != "" {
			busCfg.URL = cfg.Bus.URL
		}
		natsBus, err := bus.NewNATSBus(busCfg)
		if err != nil {
			return fmt.Errorf("connect message bus: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryBus()
	}
	defer eventBus.Close()

	bridge := orchestrator.NewTelemetryBusBridge(hub, eventBus)
	bridge.Start(ctx)
	defer bridge.Stop()

	srv := server.NewServer(server.Config{
		BindAddress:    cfg.Server.BindAddress,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
		RequireToken:   cfg.Server.RequireToken,
		PublicMetrics:  cfg.Server.PublicMetrics,
		Version:        version,
	}, store, orch, cloudClient, hub)

	if !cloudClient.Available() {
		fmt.Fprintln(os.Stderr, "warning: browser cloud API key not set; task execution disabled")
	}
	if !generator.Available() {
		fmt.Fprintln(os.Stderr, "warning: flow generation API key not set; generation disabled")
	}

	return srv.Start(ctx)
}
