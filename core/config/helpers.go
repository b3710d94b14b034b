package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAllSettings returns a map of the effective runtime settings.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"app_debug":                 Global.App.Debug,
		"app_version":               Global.App.Version,
		"valkey_enabled":            Global.Database.ValkeyEnabled,
		"queue_max_attempts":        Global.Queue.DefaultMaxAttempts,
		"queue_promote_interval":    Global.Queue.PromoteInterval.String(),
		"queue_lease_timeout":       Global.Queue.LeaseTimeout.String(),
		"breaker_failure_threshold": Global.Recovery.FailureThreshold,
		"breaker_cooldown":          Global.Recovery.Cooldown.String(),
		"breaker_max_cooldown":      Global.Recovery.MaxCooldown.String(),
		"recovery_interval":         Global.Recovery.Interval.String(),
		"session_check_interval":    Global.Session.CheckInterval.String(),
		"performance_retention":     Global.Performance.Retention.String(),
		"platforms":                 Global.PlatformNames(),
		"amqp_enabled":              Global.Notify.AMQPURL != "",
	}
}

// Helpers
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
