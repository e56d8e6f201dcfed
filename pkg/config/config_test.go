package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *ServerConfig {
	return &ServerConfig{
		Host:                DefaultHost,
		Port:                DefaultPort,
		NumWorkers:          4,
		MaxReqsPerEvent:     DefaultMaxReqsPerEvent,
		DefaultPipeCapacity: DefaultPipeCapacity,
		SlowOpThreshold:     DefaultSlowOpThresholdMilli * time.Millisecond,
		ReadTimeout:         DefaultReadTimeoutSecs * time.Second,
		WriteTimeout:        DefaultWriteTimeoutSecs * time.Second,
		LogLevel:            "info",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveWorkers(t *testing.T) {
	cfg := validConfig()
	cfg.NumWorkers = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())
}

func TestAddrFormatsHostAndPort(t *testing.T) {
	cfg := validConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 11211
	require.Equal(t, "127.0.0.1:11211", cfg.Addr())
}

func TestResolveNumWorkersFallsBackToNumCPU(t *testing.T) {
	require.Greater(t, resolveNumWorkers(0), 0)
	require.Equal(t, 7, resolveNumWorkers(7))
}
