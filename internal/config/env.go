package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv returns an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt returns an environment variable as int or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvDuration returns an environment variable as duration or a default value.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// ApplyEnv overrides machine settings from OSKIT_* variables.
func (c *Config) ApplyEnv() {
	c.Machine.CPUs = GetEnvInt("OSKIT_CPUS", c.Machine.CPUs)
	c.Machine.HZ = GetEnvInt("OSKIT_HZ", c.Machine.HZ)
	c.Machine.Quantum = GetEnvInt("OSKIT_QUANTUM", c.Machine.Quantum)
	c.Machine.MaxThreads = GetEnvInt("OSKIT_MAX_THREADS", c.Machine.MaxThreads)
	c.Machine.Slack = Duration(GetEnvDuration("OSKIT_EDF_SLACK", c.Machine.Slack.Duration()))
	c.LogLevel = GetEnv("OSKIT_LOG_LEVEL", c.LogLevel)
}
