// Package config loads welfared settings from an optional YAML file and
// WELFARE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // engine.time_zone must load on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the welfared service.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig contains the shared rate limit counter store. An empty Addr
// keeps counters in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AuthConfig contains bearer token settings
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// EngineConfig tunes the access engine
type EngineConfig struct {
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	ReadRetries  int           `mapstructure:"read_retries"`
	TimeZone     string        `mapstructure:"time_zone"`
}

// WorkflowConfig holds the per-level approval SLAs
type WorkflowConfig struct {
	UnitSLA      time.Duration `mapstructure:"unit_sla"`
	AreaSLA      time.Duration `mapstructure:"area_sla"`
	DistrictSLA  time.Duration `mapstructure:"district_sla"`
	StateSLA     time.Duration `mapstructure:"state_sla"`
	OverdueGrace time.Duration `mapstructure:"overdue_grace"`
}

// JobsConfig holds cron specs with a seconds field
type JobsConfig struct {
	ExpirySpec   string        `mapstructure:"expiry_spec"`
	SLASweepSpec string        `mapstructure:"sla_sweep_spec"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// NotificationsConfig contains notification delivery settings. Without a
// webhook URL notifications are only logged.
type NotificationsConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	QueueSize         int           `mapstructure:"queue_size"`
	Workers           int           `mapstructure:"workers"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the WELFARE prefix with dots replaced by
// underscores, e.g. WELFARE_DATABASE_URL.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("welfared")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/welfared")
	}

	setDefaults(v)

	v.SetEnvPrefix("WELFARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// Database
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	// Redis
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "welfare:ratelimit:")

	// Auth
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "welfared")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.token_ttl", "1h")

	// Engine
	v.SetDefault("engine.store_timeout", "5s")
	v.SetDefault("engine.read_retries", 2)
	v.SetDefault("engine.time_zone", "Asia/Kolkata")

	// Workflow
	v.SetDefault("workflow.unit_sla", "72h")
	v.SetDefault("workflow.area_sla", "72h")
	v.SetDefault("workflow.district_sla", "120h")
	v.SetDefault("workflow.state_sla", "168h")
	v.SetDefault("workflow.overdue_grace", "48h")

	// Jobs
	v.SetDefault("jobs.expiry_spec", "0 */5 * * * *")
	v.SetDefault("jobs.sla_sweep_spec", "0 */15 * * * *")
	v.SetDefault("jobs.timeout", "2m")

	// Notifications
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.queue_size", 1000)
	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.requests_per_minute", 120)
	v.SetDefault("notifications.burst", 10)
	v.SetDefault("notifications.send_timeout", "10s")

	// Log
	v.SetDefault("log.level", "info")
}

// Validate checks settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes"))
	}
	if _, err := time.LoadLocation(c.Engine.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("engine.time_zone: %w", err))
	}
	if c.Engine.StoreTimeout <= 0 {
		errs = append(errs, errors.New("engine.store_timeout must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"workflow.unit_sla":     c.Workflow.UnitSLA,
		"workflow.area_sla":     c.Workflow.AreaSLA,
		"workflow.district_sla": c.Workflow.DistrictSLA,
		"workflow.state_sla":    c.Workflow.StateSLA,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Notifications.Workers < 1 {
		errs = append(errs, errors.New("notifications.workers must be at least 1"))
	}
	return errors.Join(errs...)
}
