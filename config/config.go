package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/erain9/tradeclient/pkg/core"
)

// EnvPrefix prefixes every environment override, e.g. TRADER_API_KEY
const EnvPrefix = "TRADER"

// Config represents the application configuration
type Config struct {
	Exchange struct {
		APIKey    string        `yaml:"api_key"`
		APISecret string        `yaml:"api_secret"`
		WSURL     string        `yaml:"ws_url"`
		RESTURL   string        `yaml:"rest_url"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"`
		Burst     int           `yaml:"burst"`
	} `yaml:"exchange"`

	Feed struct {
		HeartbeatInterval int           `yaml:"heartbeat_interval"`
		InitialBackoff    time.Duration `yaml:"initial_backoff"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
		ScalePolicy       string        `yaml:"scale_policy"`
	} `yaml:"feed"`

	Trading struct {
		Instruments      []string      `yaml:"instruments"`
		MaxOrderSize     float64       `yaml:"max_order_size"`
		MinOrderSize     float64       `yaml:"min_order_size"`
		MaxOpenOrders    int           `yaml:"max_open_orders"`
		BootstrapDepth   int           `yaml:"bootstrap_depth"`
		PositionCurrency string        `yaml:"position_currency"`
		PositionInterval time.Duration `yaml:"position_interval"`
	} `yaml:"trading"`

	Sinks struct {
		ProcessingThreads int           `yaml:"processing_threads"`
		QueueSize         int           `yaml:"queue_size"`
		SendTimeout       time.Duration `yaml:"send_timeout"`
		Depth             int           `yaml:"depth"`
	} `yaml:"sinks"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"log_level"`
		File   string `yaml:"log_file"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Kafka struct {
		Enabled    bool   `yaml:"enabled"`
		BrokerAddr string `yaml:"broker_addr"`
		BookTopic  string `yaml:"book_topic"`
		OrderTopic string `yaml:"order_topic"`
	} `yaml:"kafka"`

	Telemetry struct {
		Enabled        bool          `yaml:"enabled"`
		Endpoint       string        `yaml:"endpoint"`
		ServiceVersion string        `yaml:"service_version"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		RuntimeMetrics time.Duration `yaml:"runtime_metrics_interval"`
	} `yaml:"telemetry"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	cfg := &Config{}

	cfg.Exchange.WSURL = "wss://test.deribit.com/ws/api/v2"
	cfg.Exchange.RESTURL = "https://test.deribit.com/api/v2"
	cfg.Exchange.Timeout = 10 * time.Second
	cfg.Exchange.RateLimit = 20
	cfg.Exchange.Burst = 5

	cfg.Feed.HeartbeatInterval = 30
	cfg.Feed.InitialBackoff = 500 * time.Millisecond
	cfg.Feed.MaxBackoff = 30 * time.Second
	cfg.Feed.ScalePolicy = "proportional"

	cfg.Trading.Instruments = []string{"BTC-PERPETUAL", "ETH-PERPETUAL"}
	cfg.Trading.MaxOrderSize = 10.0
	cfg.Trading.MinOrderSize = 0.0001
	cfg.Trading.MaxOpenOrders = 100
	cfg.Trading.BootstrapDepth = 20
	cfg.Trading.PositionCurrency = "BTC"
	cfg.Trading.PositionInterval = 5 * time.Second

	cfg.Sinks.ProcessingThreads = 4
	cfg.Sinks.QueueSize = 1024
	cfg.Sinks.SendTimeout = 2 * time.Second
	cfg.Sinks.Depth = 10

	cfg.Server.GRPCAddr = ":50051"
	cfg.Server.HTTPAddr = ":8080"

	cfg.Logging.Level = "info"
	cfg.Logging.File = "trading_system.log"

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Prefix = "tradeclient"
	cfg.Redis.TTL = time.Minute

	cfg.Kafka.BrokerAddr = "localhost:9092"
	cfg.Kafka.BookTopic = "book-updates"
	cfg.Kafka.OrderTopic = "order-events"

	cfg.Telemetry.Endpoint = "localhost:4317"
	cfg.Telemetry.ServiceVersion = "1.0.0"
	cfg.Telemetry.ConnectTimeout = 5 * time.Second
	cfg.Telemetry.RuntimeMetrics = 15 * time.Second

	return cfg
}

// Load builds the configuration from defaults, an optional YAML file given
// by -config, TRADER_* environment variables and finally command line flags.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("trader", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to config file (YAML)")
	logLevel := fs.String("log_level", "", "Log level: debug, info, warn, error")
	grpcAddr := fs.String("grpc_addr", "", "gRPC health server address")
	httpAddr := fs.String("http_addr", "", "HTTP status server address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log_level":
			cfg.Logging.Level = *logLevel
		case "grpc_addr":
			cfg.Server.GRPCAddr = *grpcAddr
		case "http_addr":
			cfg.Server.HTTPAddr = *httpAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	for key, dst := range map[string]*string{
		"api_key":    &cfg.Exchange.APIKey,
		"api_secret": &cfg.Exchange.APISecret,
		"ws_url":     &cfg.Exchange.WSURL,
		"rest_url":   &cfg.Exchange.RESTURL,
		"log_level":  &cfg.Logging.Level,
		"redis_addr": &cfg.Redis.Addr,
		"kafka_addr": &cfg.Kafka.BrokerAddr,
	} {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

// Validate checks the configuration for values the process cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Exchange.WSURL != "", "ws_url must not be empty")
	check(c.Exchange.RESTURL != "", "rest_url must not be empty")
	check(c.Exchange.RateLimit > 0, "rate_limit must be positive")
	check(c.Exchange.Burst > 0, "burst must be positive")
	check(c.Feed.HeartbeatInterval >= 0, "heartbeat_interval must not be negative")
	check(c.Feed.InitialBackoff > 0 && c.Feed.MaxBackoff >= c.Feed.InitialBackoff,
		"backoff must satisfy 0 < initial_backoff <= max_backoff")
	if _, err := core.ParseScalePolicy(c.Feed.ScalePolicy); err != nil {
		errs = append(errs, err)
	}
	check(len(c.Trading.Instruments) > 0, "instruments must not be empty")
	check(c.Trading.MinOrderSize > 0, "min_order_size must be positive")
	check(c.Trading.MaxOrderSize >= c.Trading.MinOrderSize,
		"max_order_size %v below min_order_size %v", c.Trading.MaxOrderSize, c.Trading.MinOrderSize)
	check(c.Trading.MaxOpenOrders > 0, "max_open_orders must be positive")
	check(c.Trading.PositionInterval > 0, "position_interval must be positive")
	check(c.Sinks.ProcessingThreads > 0, "processing_threads must be positive")
	check(c.Sinks.QueueSize > 0, "queue_size must be positive")
	check(!c.Redis.Enabled || c.Redis.Addr != "", "redis.addr must be set when redis is enabled")
	check(!c.Kafka.Enabled || c.Kafka.BrokerAddr != "", "kafka.broker_addr must be set when kafka is enabled")

	return errors.Join(errs...)
}
