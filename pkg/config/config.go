// Package config loads node boundary configuration from the environment,
// mirroring the CLI/env surface of the teacher's cobra flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ExitCode enumerates the node's documented process exit codes.
type ExitCode int

const (
	ExitGraceful         ExitCode = 0
	ExitConfigError      ExitCode = 1
	ExitDatabaseError    ExitCode = 2
	ExitIdentityRegistry ExitCode = 3
)

// Config is the node boundary configuration.
type Config struct {
	NodeName                         string
	ListenAddress                    string
	PingInterval                     time.Duration
	FirstDeviceNeedsRegistrationCode bool
	MaxConnections                   int
	MaxConnectionsPerIP              int
	BurstAllowance                   int
	NetworkJobManagerThreads         int
	ProxyIdentity                    string
	DataDir                          string
}

// LoadError wraps a configuration failure with the exit code the process
// boundary should use.
type LoadError struct {
	Exit ExitCode
	Err  error
}

func (e *LoadError) Error() string { return e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// Load reads the node's env-var configuration surface and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		NodeName:                         os.Getenv("NODE_NAME"),
		ListenAddress:                    getEnvDefault("LISTEN_ADDRESS", "0.0.0.0:8080"),
		PingInterval:                     10 * time.Second,
		FirstDeviceNeedsRegistrationCode: true,
		MaxConnections:                   512,
		MaxConnectionsPerIP:              32,
		BurstAllowance:                   16,
		NetworkJobManagerThreads:         2,
		ProxyIdentity:                    os.Getenv("PROXY_IDENTITY"),
		DataDir:                          getEnvDefault("SHINKAI_DATA_DIR", "./shinkai-node-data"),
	}

	if cfg.NodeName == "" {
		return nil, &LoadError{Exit: ExitConfigError, Err: fmt.Errorf("NODE_NAME is required")}
	}

	if v := os.Getenv("PING_INTERVAL_SECS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, &LoadError{Exit: ExitConfigError, Err: fmt.Errorf("invalid PING_INTERVAL_SECS: %w", err)}
		}
		cfg.PingInterval = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("FIRST_DEVICE_NEEDS_REGISTRATION_CODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &LoadError{Exit: ExitConfigError, Err: fmt.Errorf("invalid FIRST_DEVICE_NEEDS_REGISTRATION_CODE: %w", err)}
		}
		cfg.FirstDeviceNeedsRegistrationCode = b
	}

	if err := setIntEnv("MAX_CONNECTIONS", &cfg.MaxConnections); err != nil {
		return nil, &LoadError{Exit: ExitConfigError, Err: err}
	}
	if err := setIntEnv("MAX_CONNECTIONS_PER_IP", &cfg.MaxConnectionsPerIP); err != nil {
		return nil, &LoadError{Exit: ExitConfigError, Err: err}
	}
	if err := setIntEnv("BURST_ALLOWANCE", &cfg.BurstAllowance); err != nil {
		return nil, &LoadError{Exit: ExitConfigError, Err: err}
	}
	if err := setIntEnv("NETWORK_JOB_MANAGER_THREADS", &cfg.NetworkJobManagerThreads); err != nil {
		return nil, &LoadError{Exit: ExitConfigError, Err: err}
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setIntEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
