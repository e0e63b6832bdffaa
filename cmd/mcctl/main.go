// mcctl talks to a sharded memcache cluster from the command line.
//
//	mcctl --servers cache1:11211,cache2:11211 set greeting hello --ttl 1m
//	mcctl --config memcache.yaml stats
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/futureweb/gomemcache/config"
	"github.com/futureweb/gomemcache/memcache"
	"github.com/futureweb/gomemcache/stats"
)

var (
	configPath  string
	servers     []string
	metricsAddr string
	timeout     time.Duration
)

// Set up by the root command before any subcommand runs.
var (
	logger *zap.Logger
	client *memcache.ShardedClient
)

var rootCmd = &cobra.Command{
	Use:               "mcctl",
	Short:             "Inspect and modify a sharded memcache cluster",
	SilenceUsage:      true,
	PersistentPreRunE: setUp,
	PersistentPostRun: tearDown,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", os.Getenv("MEMCACHE_CONFIG"), "YAML config file")
	flags.StringSliceVar(&servers, "servers", nil, "Servers as host[:port[:weight]], overriding the config")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "Deadline for each command")
}

func setUp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		cfg.Servers = servers
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	logger, err = config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	var factory stats.StatsFactory
	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		factory = stats.NewPrometheusFactory(registry, cfg.Metrics.Namespace)
		serveMetrics(cfg.Metrics.Addr, registry)
	}

	options, err := cfg.ClientOptions(logger, factory)
	if err != nil {
		return err
	}
	client, err = memcache.New(options)
	return err
}

func tearDown(cmd *cobra.Command, args []string) {
	if client != nil {
		client.Close()
	}
	if logger != nil {
		_ = logger.Sync()
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// The context of a single command: cancelled on SIGINT / SIGTERM or after
// --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
