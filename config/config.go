package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ParcelBox ParcelBoxConfig `yaml:"parcelbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	ParcelUpdatedTopicName  string `yaml:"parcel_updated_topic_name"`
	InboundEmailTopicName   string `yaml:"inbound_email_topic_name"`
	InboundEmailGroup       string `yaml:"inbound_email_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ParcelBoxConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	CarriersDir             string `yaml:"carriers_dir"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	WorkerHTTPAddr               string `yaml:"worker_http_addr"`
	WorkerRefreshIntervalSeconds int    `yaml:"worker_refresh_interval_seconds"`
	WorkerConcurrency            int    `yaml:"worker_concurrency"`
	WorkerFetchTimeoutSeconds    int    `yaml:"worker_fetch_timeout_seconds"`
	WorkerRateLimitPerMinute     int    `yaml:"worker_rate_limit_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// ConnString собирает DSN для Postgres; ssl_mode по умолчанию disable.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
