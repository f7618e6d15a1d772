package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Mpesa    MpesaConfig    `mapstructure:"mpesa"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderPaid      string `mapstructure:"order_paid"`
	OrderCancelled string `mapstructure:"order_cancelled"`
}

// MpesaConfig holds Daraja API credentials and endpoints.
// CallbackBaseURL overrides the callback host derived from the inbound
// request; set it when the service runs behind a tunnel during development.
type MpesaConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	ConsumerKey     string `mapstructure:"consumer_key"`
	ConsumerSecret  string `mapstructure:"consumer_secret"`
	ShortCode       string `mapstructure:"short_code"`
	Passkey         string `mapstructure:"passkey"`
	CallbackBaseURL string `mapstructure:"callback_base_url"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

type BusinessConfig struct {
	PendingOrderTTLMinutes int  `mapstructure:"pending_order_ttl_minutes"`
	SweepEnabled           bool `mapstructure:"sweep_enabled"`
	MaxRetryCount          int  `mapstructure:"max_retry_count"`
}

var GlobalConfig *Config

// LoadConfig reads and parses the YAML config file. Fatal on failure since
// the service cannot run without it.
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config file: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}

	GlobalConfig = config
	return config
}
