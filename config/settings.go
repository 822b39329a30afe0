package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings is the process configuration, read from the environment (and .env when present).
type Settings struct {
	AdminPort string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	GoEnv     string `env:"GO_ENV"`

	SkipMigrations bool   `env:"SKIP_MIGRATIONS" envDefault:"false"`
	FieldMapFile   string `env:"HISTORY_FIELD_MAP_FILE"`

	HistoryWriteTimeout time.Duration `env:"HISTORY_WRITE_TIMEOUT" envDefault:"10s"`

	DispatchMaxConcurrency int64         `env:"DISPATCH_MAX_CONCURRENCY" envDefault:"16"`
	DispatchMaxAttempts    uint          `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"8"`
	DispatchInitialBackoff time.Duration `env:"DISPATCH_INITIAL_BACKOFF" envDefault:"500ms"`
	DispatchMaxBackoff     time.Duration `env:"DISPATCH_MAX_BACKOFF" envDefault:"30s"`

	SweepInterval             time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`
	SweepCorrectionsPerSecond float64       `env:"SWEEP_CORRECTIONS_PER_SECOND" envDefault:"20"`
	SweepLockTTL              time.Duration `env:"SWEEP_LOCK_TTL" envDefault:"10m"`
	SweepRunOnStart           bool          `env:"SWEEP_RUN_ON_START" envDefault:"true"`

	// Admin surface. In production CORS is deny-all unless an allowlist is given.
	CorsAllowedOrigins   []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitEnabled     bool          `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitMaxRequests int64         `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"60"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	RecruitmentChangeSubscription string `env:"PUBSUB_RECRUITMENT_CHANGES_SUBSCRIPTION"`
	RecruitmentChangeTopic        string `env:"PUBSUB_RECRUITMENT_CHANGES_TOPIC"`
	DeadLetterTopic               string `env:"PUBSUB_SYNC_DEAD_LETTER_TOPIC"`
}

// LoadSettings loads .env (if any) and parses the environment.
func LoadSettings() (Settings, error) {
	_ = godotenv.Load()
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	if s.DispatchMaxConcurrency <= 0 {
		return Settings{}, fmt.Errorf("DISPATCH_MAX_CONCURRENCY must be positive")
	}
	if s.DispatchMaxAttempts == 0 {
		return Settings{}, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive")
	}
	if s.SweepInterval <= 0 {
		return Settings{}, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if s.SweepLockTTL <= 0 {
		return Settings{}, fmt.Errorf("SWEEP_LOCK_TTL must be positive")
	}
	return s, nil
}

// IsProduction reports whether GO_ENV is "production".
func (s Settings) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(s.GoEnv), "production")
}
