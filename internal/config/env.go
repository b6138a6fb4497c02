package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "RELAYMUTATE_"

func applyEnv(cfg *Config) {
	cfg.Registry.Retention = durationEnv("REGISTRY_RETENTION", cfg.Registry.Retention)
	cfg.Registry.SweepInterval = durationEnv("REGISTRY_SWEEP_INTERVAL", cfg.Registry.SweepInterval)
	cfg.Registry.StateDSN = stringEnv("STATE_DSN", cfg.Registry.StateDSN)

	cfg.Executor.Strategy = stringEnv("STRATEGY", cfg.Executor.Strategy)
	if raw := stringEnv("IGNORE_KEYS", ""); raw != "" {
		cfg.Executor.IgnoreKeys = splitList(raw)
	}
	cfg.Executor.DetectConflicts = boolEnv("DETECT_CONFLICTS", cfg.Executor.DetectConflicts)
	cfg.Executor.MaxRetries = intEnv("MAX_RETRIES", cfg.Executor.MaxRetries)
	cfg.Executor.BaseDelay = durationEnv("RETRY_BASE_DELAY", cfg.Executor.BaseDelay)
	cfg.Executor.MaxDelay = durationEnv("RETRY_MAX_DELAY", cfg.Executor.MaxDelay)
	cfg.Executor.AutoRetry = boolEnv("AUTO_RETRY", cfg.Executor.AutoRetry)
	cfg.Executor.GraceDelay = durationEnv("GRACE_DELAY", cfg.Executor.GraceDelay)
	cfg.Executor.EnableRollback = boolEnv("ENABLE_ROLLBACK", cfg.Executor.EnableRollback)
	cfg.Executor.Batching = boolEnv("BATCHING", cfg.Executor.Batching)
	cfg.Executor.BatchDelay = durationEnv("BATCH_DELAY", cfg.Executor.BatchDelay)
	cfg.Executor.BatchConcurrency = intEnv("BATCH_CONCURRENCY", cfg.Executor.BatchConcurrency)
	cfg.Executor.BatchQueueDSN = stringEnv("BATCH_QUEUE_DSN", cfg.Executor.BatchQueueDSN)
	cfg.Executor.BatchQueueSize = intEnv("BATCH_QUEUE_SIZE", cfg.Executor.BatchQueueSize)
	cfg.Executor.RateLimit = floatEnv("RATE_LIMIT", cfg.Executor.RateLimit)
	cfg.Executor.RateBurst = intEnv("RATE_BURST", cfg.Executor.RateBurst)

	cfg.Conflicts.ConcurrentEditWindow = durationEnv("CONCURRENT_EDIT_WINDOW", cfg.Conflicts.ConcurrentEditWindow)

	cfg.Persistence.DSN = stringEnv("PERSISTENCE_DSN", cfg.Persistence.DSN)

	cfg.Remote.URL = stringEnv("REMOTE_URL", cfg.Remote.URL)
	cfg.Remote.Token = stringEnv("REMOTE_TOKEN", cfg.Remote.Token)
	cfg.Remote.PathTemplate = stringEnv("REMOTE_PATH_TEMPLATE", cfg.Remote.PathTemplate)
	cfg.Remote.Timeout = durationEnv("REMOTE_TIMEOUT", cfg.Remote.Timeout)

	cfg.Inspect.Addr = stringEnv("INSPECT_ADDR", cfg.Inspect.Addr)
	cfg.Inspect.Token = stringEnv("INSPECT_TOKEN", cfg.Inspect.Token)

	cfg.Log.Level = strings.ToLower(stringEnv("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(stringEnv("LOG_FORMAT", cfg.Log.Format))
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
