package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Pulse backend and the
// defaults handed to embedded sync-engine clients.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Payments    PaymentConfig     `mapstructure:"payments"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures JWT settings for API and channel authentication.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// ChannelConfig tunes the client-side push channel reconnect behaviour.
type ChannelConfig struct {
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// PaymentConfig tunes the payment correlation engine and the gateway the
// backend redirects buyers to.
type PaymentConfig struct {
	GatewayURL   string        `mapstructure:"gateway_url"`
	Currency     string        `mapstructure:"currency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SuccessDelay time.Duration `mapstructure:"success_delay"`
}

// MaintenanceConfig schedules the background cleaner.
type MaintenanceConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	RequestTTL            time.Duration `mapstructure:"request_ttl"`
	NotificationRetention time.Duration `mapstructure:"notification_retention"`
	ExpireSchedule        string        `mapstructure:"expire_schedule"`
	PruneSchedule         string        `mapstructure:"prune_schedule"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return errors.New("auth.jwt.secret must be configured")
	}
	if c.Channel.ReconnectMin <= 0 || c.Channel.ReconnectMax < c.Channel.ReconnectMin {
		return fmt.Errorf("channel reconnect bounds invalid: min=%s max=%s",
			c.Channel.ReconnectMin, c.Channel.ReconnectMax)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/pulse.sqlite")

	v.SetDefault("auth.jwt.issuer", "pulse")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("channel.reconnect_min", "1s")
	v.SetDefault("channel.reconnect_max", "30s")

	v.SetDefault("payments.gateway_url", "")
	v.SetDefault("payments.currency", "USD")
	v.SetDefault("payments.poll_interval", "500ms")
	v.SetDefault("payments.success_delay", "1500ms")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.request_ttl", "168h") // 7 days
	v.SetDefault("maintenance.notification_retention", "720h")
	v.SetDefault("maintenance.expire_schedule", "@hourly")
	v.SetDefault("maintenance.prune_schedule", "@daily")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
