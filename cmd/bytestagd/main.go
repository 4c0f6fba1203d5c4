// Command bytestagd runs a bytestag DHT node: it binds the UDP transport,
// loads the local key-value-pair store from configuration, and keeps
// publication and replication running until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bytestag/dht"
	"bytestag/keys"
	"bytestag/kvstore"
	"bytestag/pkg/config"
	"bytestag/pkg/metrics"
	"bytestag/publish"
)

func main() {
	rootCmd := &cobra.Command{Use: "bytestagd"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(putCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env, metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a node and serve RPCs until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(env, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge (e.g. dev, prod)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	return cmd
}

func runNode(env, metricsAddr string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	configureLogging(cfg)

	engine, store, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	var m metrics.Metrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewPrometheus(reg)
		go serveMetrics(metricsAddr, reg)
	}
	engine.SetMetrics(m)

	engine.Start()

	publisher, err := publish.NewPublisher(engine, store)
	if err != nil {
		return fmt.Errorf("new publisher: %w", err)
	}
	publisher.SetMetrics(m)
	publisher.Start()
	defer publisher.Close()

	replicator, err := publish.NewReplicator(engine, store)
	if err != nil {
		return fmt.Errorf("new replicator: %w", err)
	}
	replicator.SetMetrics(m)
	replicator.Start()
	defer replicator.Close()

	if len(cfg.Node.Bootstrap) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := engine.JoinNetwork(ctx, cfg.Node.Bootstrap); err != nil {
			logrus.Warnf("bootstrap: %v", err)
		}
		cancel()
	}

	logrus.Infof("bytestagd listening on %s, node id %s", engine.LocalAddr(), engine.LocalKey().Hex())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("shutting down")
	return nil
}

// buildEngine constructs the store (shared files + disk cache + memory,
// aggregated with the disk cache as primary) and the DHT engine on top of
// it, per the node's configuration.
func buildEngine(cfg *config.Config) (*dht.Engine, kvstore.Table, error) {
	localKey, err := localNodeKey(cfg.Node.LocalKeyHex)
	if err != nil {
		return nil, nil, err
	}

	memory := kvstore.NewMemoryTable()

	backends := []kvstore.Table{memory}
	var primary kvstore.Table = memory

	if cfg.Store.DiskCachePath != "" {
		disk, err := kvstore.NewDiskCacheTable(cfg.Store.DiskCachePath, 0, int64(cfg.Store.DiskCacheSize))
		if err != nil {
			return nil, nil, fmt.Errorf("open disk cache: %w", err)
		}
		backends = append(backends, disk)
		primary = disk
	}

	if len(cfg.Store.SharedDirs) > 0 {
		shared := kvstore.NewSharedFilesTable(0, cfg.Store.SharedIndexPath)
		for _, dir := range cfg.Store.SharedDirs {
			shared.AddDirectory(dir)
		}
		if err := shared.HashDirectories(); err != nil {
			return nil, nil, fmt.Errorf("hash shared directories: %w", err)
		}
		backends = append(backends, shared)
	}

	var store kvstore.Table = primary
	if len(backends) > 1 {
		others := make([]kvstore.Table, 0, len(backends)-1)
		for _, b := range backends {
			if b != primary {
				others = append(others, b)
			}
		}
		store = kvstore.NewAggregateTable(primary, others...)
	}

	engineCfg := dht.Config{
		NetworkID:  cfg.Node.NetworkID,
		LocalKey:   localKey,
		ListenAddr: cfg.Node.ListenAddr,
		Alpha:      cfg.DHT.Alpha,
		TExpire:    time.Duration(cfg.DHT.TExpireSeconds) * time.Second,
		TRefresh:   time.Duration(cfg.DHT.TRefreshSeconds) * time.Second,
	}

	engine, err := dht.NewEngine(engineCfg, store)
	if err != nil {
		return nil, nil, fmt.Errorf("new engine: %w", err)
	}
	return engine, store, nil
}

// serveMetrics exposes the registry's collectors at /metrics until the
// process exits. Errors are logged rather than returned since this runs on
// its own goroutine independent of the node's main lifecycle.
func serveMetrics(addr string, reg *prometheus.Registry) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, r); err != nil {
		logrus.Warnf("metrics server: %v", err)
	}
}

func localNodeKey(hexKey string) (keys.KeyBytes, error) {
	if hexKey == "" {
		return keys.Random()
	}
	return keys.Parse(hexKey)
}

func configureLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logrus.Warnf("open log file %s: %v", cfg.Logging.File, err)
			return
		}
		logrus.SetOutput(f)
	}
}
