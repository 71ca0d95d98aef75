package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all SDK and tool configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Transport TransportConfig `mapstructure:"transport"`
	Upload    UploadConfig    `mapstructure:"upload"`
	User      UserConfig      `mapstructure:"user"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	WSPath  string        `mapstructure:"ws_path" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	// APIKey is sent verbatim as the Authorization header value.
	APIKey string `mapstructure:"api_key"`
}

type TransportConfig struct {
	ClientHeartbeat time.Duration `mapstructure:"client_heartbeat"`
	ServerHeartbeat time.Duration `mapstructure:"server_heartbeat"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type UserConfig struct {
	ID       int64  `mapstructure:"id" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DevServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DBPath          string        `mapstructure:"db_path"`
	UploadDir       string        `mapstructure:"upload_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c DevServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and env vars
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces the required fields at construction time; an incomplete
// configuration never reaches the coordinator.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.ws_path", "/ws/websocket")
	v.SetDefault("server.timeout", "30s")

	// Transport
	v.SetDefault("transport.client_heartbeat", "10s")
	v.SetDefault("transport.server_heartbeat", "10s")
	v.SetDefault("transport.reconnect_delay", "5s")

	// Upload
	v.SetDefault("upload.max_bytes", 1<<20) // 1MB

	// User
	v.SetDefault("user.id", 123)
	v.SetDefault("user.username", "")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Dev server
	v.SetDefault("devserver.host", "0.0.0.0")
	v.SetDefault("devserver.port", 8080)
	v.SetDefault("devserver.db_path", "supportsync.db")
	v.SetDefault("devserver.upload_dir", "./uploads")
	v.SetDefault("devserver.shutdown_timeout", "10s")
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.base_url", "SUPPORTSYNC_SERVER_URL")
	v.BindEnv("auth.api_key", "SUPPORTSYNC_API_KEY")
	v.BindEnv("user.id", "SUPPORTSYNC_USER_ID")
	v.BindEnv("user.username", "SUPPORTSYNC_USERNAME")
	v.BindEnv("devserver.port", "DEVSERVER_PORT")
	v.BindEnv("devserver.db_path", "DEVSERVER_DB_PATH")
}
