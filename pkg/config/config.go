// Package config provides configuration management for the kvdaemon
// server, generalizing the teacher's flags+env pkg/config to the
// viper+cobra+godotenv stack ValentinKolb-dKV's cmd/serve uses.
//
// The package supports configuration through multiple sources with the
// following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables, prefixed KVDAEMON_ (e.g. KVDAEMON_PORT)
//  3. .env / .env.local files, loaded before the environment is read
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg := config.FromViper()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/cachemir/kvdaemon/pkg/binprot"
)

// Default configuration constants.
const (
	DefaultPort                 = 11211
	DefaultHost                 = "0.0.0.0"
	DefaultMaxReqsPerEvent      = 20
	DefaultPipeCapacity         = 2048
	DefaultSlowOpThresholdMilli = 500
	DefaultReadTimeoutSecs      = 30
	DefaultWriteTimeoutSecs     = 10
)

// ServerConfig holds every option the serve command needs to bring up a
// worker pool and listener, following the teacher's ServerConfig shape
// (Host/Port/timeouts/LogLevel) but adding the daemon's reactor-specific
// knobs (spec.md §4.1, §4.4).
type ServerConfig struct {
	Host string // Host address to bind to (default: "0.0.0.0")
	Port int    // TCP port to listen on (default: 11211)

	NumWorkers int // Worker-thread count (default: runtime.NumCPU())

	MaxReqsPerEvent     int           // spec.md §4.4 "max_reqs_per_event" budget
	DefaultPipeCapacity int           // Pipe Buffer default capacity, spec.md §4.1
	SlowOpThreshold     time.Duration // Default per-opcode SLA, spec.md §4.4
	SlowOpOverrides     map[binprot.Opcode]time.Duration

	ReadTimeout  time.Duration // Socket read timeout; validated only, no code sets socket deadlines from it
	WriteTimeout time.Duration // Socket write timeout; validated only, no code sets socket deadlines from it

	LogLevel string // debug, info, warn, error

	MetricsAddr string // optional ":PORT" to expose the metrics.WritePrometheus endpoint
}

// FromViper builds a ServerConfig from whatever viper has bound at call
// time (flags, KVDAEMON_-prefixed environment variables, and any .env
// files loaded by cmd/kvdaemon's initViper). Defaults mirror the
// constants above for every key viper has no explicit value for.
func FromViper() *ServerConfig {
	return &ServerConfig{
		Host:                viper.GetString("host"),
		Port:                viper.GetInt("port"),
		NumWorkers:          resolveNumWorkers(viper.GetInt("num-workers")),
		MaxReqsPerEvent:     viper.GetInt("max-reqs-per-event"),
		DefaultPipeCapacity: viper.GetInt("pipe-capacity"),
		SlowOpThreshold:     time.Duration(viper.GetInt64("slow-op-threshold-ms")) * time.Millisecond,
		SlowOpOverrides:     map[binprot.Opcode]time.Duration{},
		ReadTimeout:         time.Duration(viper.GetInt64("read-timeout")) * time.Second,
		WriteTimeout:        time.Duration(viper.GetInt64("write-timeout")) * time.Second,
		LogLevel:            viper.GetString("log-level"),
		MetricsAddr:         viper.GetString("metrics-addr"),
	}
}

func resolveNumWorkers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Addr returns the host:port pair to bind for net.Listen().
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate mirrors the teacher's Validate(): fail fast on non-positive
// durations/counts and unknown log levels, before a single worker or
// listener goroutine is started.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("config: num-workers must be positive: %d", c.NumWorkers)
	}
	if c.MaxReqsPerEvent < 1 {
		return fmt.Errorf("config: max-reqs-per-event must be positive: %d", c.MaxReqsPerEvent)
	}
	if c.DefaultPipeCapacity < 1 {
		return fmt.Errorf("config: pipe-capacity must be positive: %d", c.DefaultPipeCapacity)
	}
	if c.SlowOpThreshold < 0 {
		return fmt.Errorf("config: slow-op-threshold-ms must be non-negative: %s", c.SlowOpThreshold)
	}
	if c.ReadTimeout < 1 {
		return fmt.Errorf("config: read-timeout must be positive: %s", c.ReadTimeout)
	}
	if c.WriteTimeout < 1 {
		return fmt.Errorf("config: write-timeout must be positive: %s", c.WriteTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log level: %s", c.LogLevel)
	}

	return nil
}
