package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DBConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	BalancesTopic     string   `mapstructure:"balances_topic"`
	OrdersTopic       string   `mapstructure:"orders_topic"`
	TradesTopic       string   `mapstructure:"trades_topic"`
	TransfersTopic    string   `mapstructure:"transfers_topic"`
	TransfersGroupID  string   `mapstructure:"transfers_group_id"`
	TransfersDLQTopic string   `mapstructure:"transfers_dlq_topic"`
	ConsumerEnabled   bool     `mapstructure:"consumer_enabled"`
	ProducerEnabled   bool     `mapstructure:"producer_enabled"`
}

type FeeConfig struct {
	Recipient string `mapstructure:"recipient"`
	Percent   int64  `mapstructure:"percent"`
}

type VaultConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Fee     FeeConfig     `mapstructure:"fee"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// Load reads the exchange service config. EXCHANGE_-prefixed environment
// variables override file values, e.g. EXCHANGE_FEE_PERCENT=10.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "exchange.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("db.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Fee.Recipient == "" {
		return fmt.Errorf("fee.recipient is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.balances_topic", "exchange.balances")
	v.SetDefault("kafka.orders_topic", "exchange.orders")
	v.SetDefault("kafka.trades_topic", "exchange.trades")
	v.SetDefault("kafka.transfers_topic", "custody.transfers.confirmed")
	v.SetDefault("kafka.transfers_group_id", "exchange-transfers")
	v.SetDefault("kafka.transfers_dlq_topic", "custody.transfers.confirmed.dlq")
	v.SetDefault("kafka.consumer_enabled", true)
	v.SetDefault("kafka.producer_enabled", true)

	v.SetDefault("fee.recipient", "")
	v.SetDefault("fee.percent", 10)

	v.SetDefault("vault.base_url", "")
	v.SetDefault("vault.timeout", "5s")
	v.SetDefault("vault.max_retries", 2)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("auth.jwt_secret", "")
}
