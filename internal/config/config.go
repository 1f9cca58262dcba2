package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange Exchange `mapstructure:"exchange"`
	Trading  Trading  `mapstructure:"trading"`
	Executor Executor `mapstructure:"executor"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Exchange holds the configuration for the exchange REST API.
type Exchange struct {
	ApiKey         string        `mapstructure:"apiKey"`
	SecretKey      string        `mapstructure:"secretKey"`
	Testnet        bool          `mapstructure:"testnet"`
	BaseURL        string        `mapstructure:"base_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Server holds the configuration for the control API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration shared by all traders.
type Trading struct {
	DryRun           bool               `mapstructure:"dry_run"`
	FeeRate          float64            `mapstructure:"fee_rate"`
	MinCheckInterval int                `mapstructure:"min_check_interval"`
	ReserveBuffer    float64            `mapstructure:"reserve_buffer"`
	PaperBalances    map[string]float64 `mapstructure:"paper_balances"`
	ResumeOnStart    bool               `mapstructure:"resume_on_start"`
	ShutdownTimeout  time.Duration      `mapstructure:"shutdown_timeout"`
}

// Executor holds the retry policy for order submission and price fetches.
type Executor struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.rate_limit", 10) // requests per second
	v.SetDefault("exchange.rate_limit_burst", 5)
	v.SetDefault("exchange.request_timeout", 10*time.Second)

	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.fee_rate", 0.0015)
	v.SetDefault("trading.min_check_interval", 5) // seconds
	v.SetDefault("trading.reserve_buffer", 0.005)
	v.SetDefault("trading.shutdown_timeout", 5*time.Second)

	v.SetDefault("executor.max_attempts", 4)
	v.SetDefault("executor.initial_backoff", 500*time.Millisecond)
	v.SetDefault("executor.max_backoff", 8*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8000)
	v.SetDefault("database.dsn", "data/trader.db")
}
