package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/dev-proxy/pkg/config"
	"github.com/dev-proxy/pkg/logging"
	"github.com/dev-proxy/pkg/routing"
	"github.com/dev-proxy/pkg/server"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile     = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress  = kingpin.Flag("listen-address", "Address to listen on for proxied requests (default :8080).").String()
	metricsAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry (default :9090).").String()
	telemetryPath  = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics (default /metrics).").String()
	logLevel       = kingpin.Flag("log.level", "Log level: debug, info, warn, error.").Enum("debug", "info", "warn", "error")
	fallbackTarget = kingpin.Flag("fallback-target", "Forward requests no rule matches to this origin, e.g. http://localhost:5173.").String()
	rules          = kingpin.Flag("rule", "Proxy rule prefix=target[;insecure][;keep-host]. Repeatable; replaces the configured table.").Strings()

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = loadConfig(*configFile)
	if err != nil {
		logging.Fatalf("Failed to load config file: %v", err)
	}
	if err := applyFlags(appConfig); err != nil {
		logging.Fatalf("Invalid flags: %v", err)
	}
	if err := appConfig.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(appConfig.Log.Level))

	logging.Logf("Dev proxy initialized with ID: %s", logging.GetInstanceID())

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logging.Log("Received shutdown signal, shutting down gracefully...")
	}()

	if err := run(ctx); err != nil {
		logging.Fatalf("Proxy error: %v", err)
	}
	logging.Log("Dev proxy stopped")
	logging.Flush()
}

// loadConfig reads the config file. A missing file falls back to the
// defaults; any other error is returned.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warnf("Config file not found (%v), using defaults", err)
		return config.Default(), nil
	}
	return cfg, err
}

// applyFlags overrides file and environment settings with explicitly set flags.
func applyFlags(cfg *config.Config) error {
	if *listenAddress != "" {
		cfg.Server.ListenAddress = *listenAddress
	}
	if *metricsAddress != "" {
		cfg.Server.MetricsAddress = *metricsAddress
	}
	if *telemetryPath != "" {
		cfg.Server.TelemetryPath = *telemetryPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *fallbackTarget != "" {
		cfg.Server.FallbackTarget = *fallbackTarget
	}
	if len(*rules) > 0 {
		parsed := make([]routing.RuleConfig, 0, len(*rules))
		for _, r := range *rules {
			rc, err := routing.ParseRuleString(r)
			if err != nil {
				return fmt.Errorf("--rule: %w", err)
			}
			parsed = append(parsed, rc)
		}
		cfg.Rules = parsed
	}
	return nil
}

func run(ctx context.Context) error {
	proxyServer, err := server.NewProxyServer(appConfig)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	proxyServer.LogRulesTable()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxyServer.Run(ctx, appConfig.Server.ListenAddress)
	})
	g.Go(func() error {
		return proxyServer.StartMetricsServer(ctx, appConfig.Server.MetricsAddress, appConfig.Server.TelemetryPath)
	})
	return g.Wait()
}
