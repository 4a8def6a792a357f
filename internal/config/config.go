package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ServiceName    = "md-bridge"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string         `mapstructure:"port"`
	Gateway                 GatewayConfig             `mapstructure:"gateway"`
	Nats                    NatsConfig                `mapstructure:"nats"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	Ingest                  IngestConfig              `mapstructure:"ingest"`
	RateLimit               RateLimitConfig           `mapstructure:"rate_limit"`
	Health                  HealthConfig              `mapstructure:"health"`
}

type GatewayConfig struct {
	Mode         string        `mapstructure:"mode"` // "live" or "ws-sim"
	UserID       string        `mapstructure:"user_id"`
	Password     string        `mapstructure:"password"`
	BrokerID     string        `mapstructure:"broker_id"`
	TDAddress    string        `mapstructure:"td_address"`
	MDAddress    string        `mapstructure:"md_address"`
	AppID        string        `mapstructure:"app_id"`
	AuthCode     string        `mapstructure:"auth_code"`
	WSFeedURL    string        `mapstructure:"ws_feed_url"`
	SeedSymbols  []string      `mapstructure:"seed_symbols"`
	QueueSize    int           `mapstructure:"queue_size"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
	JoinDeadline time.Duration `mapstructure:"join_deadline"`
}

type NatsConfig struct {
	URL                 string        `mapstructure:"url"`
	User                string        `mapstructure:"user"`
	Password            string        `mapstructure:"password"`
	ClientID            string        `mapstructure:"client_id"`
	MaxRetries          int           `mapstructure:"max_retries"`
	ReconnectFactor     float64       `mapstructure:"reconnect_factor"`
	MinJitter           time.Duration `mapstructure:"min_jitter"`
	MaxJitter           time.Duration `mapstructure:"max_jitter"`
	PublishMaxAttempts  int           `mapstructure:"publish_max_attempts"`
	PublishInitialDelay time.Duration `mapstructure:"publish_initial_delay"`
	PublishMaxDelay     time.Duration `mapstructure:"publish_max_delay"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	RecoveryTimeout     time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxAttempts int           `mapstructure:"half_open_max_attempts"`
	FlushTimeout        time.Duration `mapstructure:"flush_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type IngestConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	Source           string        `mapstructure:"source"`
}

type RateLimitConfig struct {
	MaxPerWindow int           `mapstructure:"max_per_window"`
	Window       time.Duration `mapstructure:"window"`
}

type HealthConfig struct {
	CoverageThreshold      float64       `mapstructure:"coverage_threshold"`
	WarningLag             time.Duration `mapstructure:"warning_lag"`
	CriticalLag            time.Duration `mapstructure:"critical_lag"`
	MaxRemediationAttempts int           `mapstructure:"max_remediation_attempts"`
	EscalationMarker       string        `mapstructure:"escalation_marker"`
	EscalationCommand      string        `mapstructure:"escalation_command"`
	SummaryRoot            string        `mapstructure:"summary_root"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
