package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaymutate/internal/conflicts"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type Config struct {
	Registry    RegistryConfig    `yaml:"registry"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Conflicts   ConflictsConfig   `yaml:"conflicts"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Remote      RemoteConfig      `yaml:"remote"`
	Inspect     InspectConfig     `yaml:"inspect"`
	Log         LogConfig         `yaml:"log"`
}

type RegistryConfig struct {
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	// StateDSN selects the snapshot backend: memory://, file path, s3://,
	// postgres://. Empty disables persistence.
	StateDSN string `yaml:"state_dsn"`
}

type ExecutorConfig struct {
	Strategy         string        `yaml:"strategy" validate:"oneof=client-wins server-wins merge prompt-user"`
	IgnoreKeys       []string      `yaml:"ignore_keys,omitempty"`
	DetectConflicts  bool          `yaml:"detect_conflicts"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=-1"`
	BaseDelay        time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay         time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	AutoRetry        bool          `yaml:"auto_retry"`
	GraceDelay       time.Duration `yaml:"grace_delay" validate:"gte=0"`
	EnableRollback   bool          `yaml:"enable_rollback"`
	Batching         bool          `yaml:"batching"`
	BatchDelay       time.Duration `yaml:"batch_delay" validate:"gt=0"`
	BatchConcurrency int           `yaml:"batch_concurrency" validate:"gte=1,lte=256"`
	BatchQueueDSN    string        `yaml:"batch_queue_dsn"`
	BatchQueueSize   int           `yaml:"batch_queue_size" validate:"gte=1"`
	// RateLimit caps remote invocations per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
}

type ConflictsConfig struct {
	ConcurrentEditWindow time.Duration `yaml:"concurrent_edit_window" validate:"gt=0"`
}

type PersistenceConfig struct {
	DSN string `yaml:"dsn"`
}

type RemoteConfig struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	Token        string        `yaml:"token"`
	PathTemplate string        `yaml:"path_template"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
}

type InspectConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

func Default() Config {
	return Config{
		Registry: RegistryConfig{
			Retention:     optimistic.DefaultRetention,
			SweepInterval: optimistic.DefaultSweepInterval,
		},
		Executor: ExecutorConfig{
			Strategy:         string(optimistic.ServerWins),
			DetectConflicts:  true,
			MaxRetries:       optimistic.DefaultMaxRetries,
			BaseDelay:        optimistic.DefaultBaseDelay,
			MaxDelay:         optimistic.DefaultMaxDelay,
			GraceDelay:       optimistic.DefaultGraceDelay,
			EnableRollback:   true,
			BatchDelay:       optimistic.DefaultBatchDelay,
			BatchConcurrency: optimistic.DefaultBatchConcurrency,
			BatchQueueSize:   1024,
		},
		Conflicts: ConflictsConfig{
			ConcurrentEditWindow: conflicts.DefaultConcurrentEditWindow,
		},
		Persistence: PersistenceConfig{DSN: "memory://"},
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Inspect: InspectConfig{Addr: "127.0.0.1:8090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New()

// Load reads path over the defaults, applies RELAYMUTATE_* overrides and
// validates the result. An empty path starts from the defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", optimistic.ErrInvalidInput, strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// RetryPolicy maps the executor section to a policy. max_retries of 0 or -1
// disables retries; leaving the key out keeps the default of 3.
func (c Config) RetryPolicy() optimistic.RetryPolicy {
	maxRetries := c.Executor.MaxRetries
	if maxRetries == 0 {
		// A zero RetryPolicy field selects the library default.
		maxRetries = -1
	}
	return optimistic.RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  c.Executor.BaseDelay,
		MaxDelay:   c.Executor.MaxDelay,
	}
}

// Limiter returns nil when no rate limit is configured.
func (c Config) Limiter() *rate.Limiter {
	if c.Executor.RateLimit <= 0 {
		return nil
	}
	burst := c.Executor.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Executor.RateLimit), burst)
}

// ExecutorOptions fills the configurable part of optimistic.Options. The
// caller supplies the remote and speculative functions.
func (c Config) ExecutorOptions() optimistic.Options {
	ignore := c.Executor.IgnoreKeys
	if len(ignore) == 0 {
		ignore = nil
	}
	return optimistic.Options{
		Strategy:                 optimistic.Strategy(c.Executor.Strategy),
		IgnoreKeys:               ignore,
		DisableConflictDetection: !c.Executor.DetectConflicts,
		Retry:                    c.RetryPolicy(),
		AutoRetry:                c.Executor.AutoRetry,
		GraceDelay:               c.Executor.GraceDelay,
		EnableRollback:           c.Executor.EnableRollback,
		Snapshots:                c.Executor.EnableRollback,
		Batching:                 c.Executor.Batching,
		BatchDelay:               c.Executor.BatchDelay,
		BatchConcurrency:         c.Executor.BatchConcurrency,
		Limiter:                  c.Limiter(),
	}
}
