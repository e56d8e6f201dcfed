package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cachemir/kvdaemon/internal/listener"
	"github.com/cachemir/kvdaemon/internal/registry"
	"github.com/cachemir/kvdaemon/internal/worker"
	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/breaker"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
	"github.com/cachemir/kvdaemon/pkg/config"
	"github.com/cachemir/kvdaemon/pkg/dispatch"
	"github.com/cachemir/kvdaemon/pkg/engine/memengine"
	"github.com/cachemir/kvdaemon/pkg/logctx"
	"github.com/cachemir/kvdaemon/pkg/reactor"
	"github.com/cachemir/kvdaemon/pkg/stats"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the kvdaemon server",
	Long:    "Start the kvdaemon server. Configuration can be set via command line flags, environment variables (prefixed KVDAEMON_), or a .env file.",
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initViper)

	flags := serveCmd.PersistentFlags()
	flags.String("host", config.DefaultHost, "address to bind to")
	flags.Int("port", config.DefaultPort, "TCP port to listen on")
	flags.Int("num-workers", 0, "worker-thread count (0 selects runtime.NumCPU())")
	flags.Int("max-reqs-per-event", config.DefaultMaxReqsPerEvent, "commands processed per connection before yielding")
	flags.Int("pipe-capacity", config.DefaultPipeCapacity, "default pipe buffer capacity in bytes")
	flags.Int64("slow-op-threshold-ms", config.DefaultSlowOpThresholdMilli, "per-opcode slow-operation threshold in milliseconds")
	flags.Int64("read-timeout", config.DefaultReadTimeoutSecs, "socket read timeout in seconds")
	flags.Int64("write-timeout", config.DefaultWriteTimeoutSecs, "socket write timeout in seconds")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("metrics-addr", "", "address to expose Prometheus metrics on (empty disables)")
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// initViper mirrors ValentinKolb-dKV/cmd/serve/root.go's initConfig:
// load .env files before reading the environment, then bind
// KVDAEMON_-prefixed environment variables with automatic env lookup.
func initViper() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("kvdaemon")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.FromViper()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logctx.Prefixed("kvdaemon")
	logger.Printf("starting with config: %+v", cfg)

	reg := registry.New()
	metrics := stats.New()

	eng := breaker.Wrap(memengine.New(), breaker.Settings("kvdaemon"))
	eng.Stats = metrics
	table := dispatch.New()

	sla := map[binprot.Opcode]time.Duration{}
	for op := range table {
		sla[op] = cfg.SlowOpThreshold
	}
	for op, d := range cfg.SlowOpOverrides {
		sla[op] = d
	}

	workers := make([]*worker.Worker, cfg.NumWorkers)
	sinks := make([]listener.Sink, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		r, err := reactor.New()
		if err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
		w := worker.New(worker.Config{
			ID:              i,
			Reactor:         r,
			Registry:        reg,
			BufPool:         bufpool.New(),
			Dispatch:        table,
			Engine:          eng,
			Stats:           metrics,
			MaxReqsPerEvent: cfg.MaxReqsPerEvent,
			SLA:             sla,
			Logger:          logctx.Prefixed(fmt.Sprintf("worker-%d", i)),
		})
		workers[i] = w
		sinks[i] = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, w := range workers {
		go w.Run(ctx)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(rw http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(rw)
		})
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	l := listener.New(cfg.Addr(), sinks, logctx.Prefixed("listener"))

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-sigCh:
		logger.Println("shutting down")
		cancel()
	}

	return nil
}
