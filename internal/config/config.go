package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all process-level configuration. Session-scoped settings
// (budget, symbols, strategies) arrive with the start-session request and
// are not read from here.
type Config struct {
	App        AppConfig      `mapstructure:"app"`
	Database   DatabaseConfig `mapstructure:"database"`
	Exchange   ExchangeConfig `mapstructure:"exchange"`
	Bus        BusConfig      `mapstructure:"bus"`
	Engine     EngineConfig   `mapstructure:"engine"`
	API        APIConfig      `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains the time-series store settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ExchangeConfig contains the live exchange credentials and endpoints.
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`
	TakerFee  float64 `mapstructure:"taker_fee"`
	// StreamURL overrides the market data websocket endpoint. Empty uses
	// the exchange default.
	StreamURL string `mapstructure:"stream_url"`
}

// BusConfig contains event bus tuning.
type BusConfig struct {
	PublishTimeoutMS int `mapstructure:"publish_timeout_ms"`
	QueueSize        int `mapstructure:"queue_size"`
	ShutdownGraceSec int `mapstructure:"shutdown_grace_sec"`
}

// EngineConfig contains evaluation pipeline tuning.
type EngineConfig struct {
	MemoryBudgetMB    int     `mapstructure:"memory_budget_mb"`
	Epsilon           float64 `mapstructure:"epsilon"`
	OrderSweepMS      int     `mapstructure:"order_sweep_ms"`
	DefaultSlippage   float64 `mapstructure:"default_slippage"`
	StopGraceSec      int     `mapstructure:"stop_grace_sec"`
	CloseOnStop       bool    `mapstructure:"close_on_stop"`
	CancelOrdersOnStop bool   `mapstructure:"cancel_orders_on_stop"`
}

// APIConfig contains REST/WebSocket server settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PUMPWATCH")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pumpwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "pumpwatch")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("exchange.testnet", true)
	v.SetDefault("exchange.taker_fee", 0.001)

	v.SetDefault("bus.publish_timeout_ms", 100)
	v.SetDefault("bus.queue_size", 1024)
	v.SetDefault("bus.shutdown_grace_sec", 5)

	v.SetDefault("engine.memory_budget_mb", 500)
	v.SetDefault("engine.epsilon", 1e-9)
	v.SetDefault("engine.order_sweep_ms", 250)
	v.SetDefault("engine.default_slippage", 0.0005)
	v.SetDefault("engine.stop_grace_sec", 30)
	v.SetDefault("engine.close_on_stop", true)
	v.SetDefault("engine.cancel_orders_on_stop", true)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be at least 1, got %d", c.Database.PoolSize)
	}
	if c.Bus.PublishTimeoutMS < 0 {
		return fmt.Errorf("bus.publish_timeout_ms must not be negative, got %d", c.Bus.PublishTimeoutMS)
	}
	if c.Engine.MemoryBudgetMB < 1 {
		return fmt.Errorf("engine.memory_budget_mb must be at least 1, got %d", c.Engine.MemoryBudgetMB)
	}
	if c.Engine.Epsilon <= 0 {
		return fmt.Errorf("engine.epsilon must be positive, got %g", c.Engine.Epsilon)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port, got %d", c.API.Port)
	}
	if c.Exchange.TakerFee < 0 || c.Exchange.TakerFee > 0.1 {
		return fmt.Errorf("exchange.taker_fee out of range: %g", c.Exchange.TakerFee)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetAPIAddr returns the API server address.
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PublishTimeout returns the bus publish timeout as a duration.
func (c *BusConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}

// ShutdownGrace returns the bus shutdown grace as a duration.
func (c *BusConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

// OrderSweepInterval returns the order timeout sweep interval.
func (c *EngineConfig) OrderSweepInterval() time.Duration {
	return time.Duration(c.OrderSweepMS) * time.Millisecond
}

// StopGrace returns the stop-session grace window.
func (c *EngineConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSec) * time.Second
}

// MemoryBudgetBytes returns the indicator engine memory budget in bytes.
func (c *EngineConfig) MemoryBudgetBytes() int64 {
	return int64(c.MemoryBudgetMB) * 1024 * 1024
}
