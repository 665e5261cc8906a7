package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config captures all runtime configuration for one backend process.
type Config struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Heartbeat HeartbeatConfig
	Scheduler SchedulerConfig
	Push      PushConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Path string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds token validation settings. Token issuance lives in the
// account service; this process only verifies.
type AuthConfig struct {
	TokenSecret string
}

// HeartbeatConfig controls connection liveness. A connection idle for
// IdleTimeout gets a ping probe; a probe unanswered within ProbeTimeout
// closes the connection.
type HeartbeatConfig struct {
	IdleTimeout  time.Duration
	ProbeTimeout time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
	// RetainFor bounds how long generated subscription notifications are
	// kept before cleanup.
	RetainFor time.Duration
}

// PushConfig holds VAPID keys for the optional web-push wake-up channel.
// Both keys empty disables web push entirely.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load builds configuration from environment variables with defaults that
// work for a single-node development setup.
func Load() (*Config, error) {
	redisDB, err := getInt("BIPUPU_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid BIPUPU_REDIS_DB: %w", err)
	}

	shutdownTimeout, err := getDuration("BIPUPU_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid BIPUPU_SHUTDOWN_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("BIPUPU_HEARTBEAT_IDLE", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid BIPUPU_HEARTBEAT_IDLE: %w", err)
	}

	probeTimeout, err := getDuration("BIPUPU_HEARTBEAT_PROBE", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid BIPUPU_HEARTBEAT_PROBE: %w", err)
	}

	interval, err := getDuration("BIPUPU_SCHEDULER_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid BIPUPU_SCHEDULER_INTERVAL: %w", err)
	}

	retainFor, err := getDuration("BIPUPU_NOTIFICATION_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid BIPUPU_NOTIFICATION_RETENTION: %w", err)
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:            getString("BIPUPU_PORT", "8080"),
			ShutdownTimeout: shutdownTimeout,
		},
		DB: DBConfig{
			Path: getString("BIPUPU_DB_PATH", "bipupu.db"),
		},
		Redis: RedisConfig{
			Addr:     getString("BIPUPU_REDIS_ADDR", "localhost:6379"),
			Password: getString("BIPUPU_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			TokenSecret: getString("BIPUPU_TOKEN_SECRET", ""),
		},
		Heartbeat: HeartbeatConfig{
			IdleTimeout:  idleTimeout,
			ProbeTimeout: probeTimeout,
		},
		Scheduler: SchedulerConfig{
			Interval:  interval,
			RetainFor: retainFor,
		},
		Push: PushConfig{
			VAPIDPublicKey:  getString("BIPUPU_VAPID_PUBLIC_KEY", ""),
			VAPIDPrivateKey: getString("BIPUPU_VAPID_PRIVATE_KEY", ""),
			Subscriber:      getString("BIPUPU_VAPID_SUBSCRIBER", "mailto:ops@bipupu.app"),
		},
		Log: LogConfig{
			Level:  getString("BIPUPU_LOG_LEVEL", "info"),
			Format: getString("BIPUPU_LOG_FORMAT", "text"),
		},
	}

	if cfg.Auth.TokenSecret == "" {
		return nil, fmt.Errorf("BIPUPU_TOKEN_SECRET must be set")
	}

	return cfg, nil
}

func getString(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) (int, error) {
	if val := os.Getenv(key); val != "" {
		return strconv.Atoi(val)
	}
	return def, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	if val := os.Getenv(key); val != "" {
		return time.ParseDuration(val)
	}
	return def, nil
}
