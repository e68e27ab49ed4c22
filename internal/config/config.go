package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Blob store drivers
const (
	BlobDriverFS = "fs"
	BlobDriverS3 = "s3"
)

// Config represents the complete application configuration.
// Values come from YAML first; environment variables override them.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	Blob      BlobConfig      `yaml:"blob" envPrefix:"BLOB_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	App       AppConfig       `yaml:"app" envPrefix:"APP_"`
	Worker    WorkerConfig    `yaml:"worker" envPrefix:"WORKER_"`
	Reaper    ReaperConfig    `yaml:"reaper" envPrefix:"REAPER_"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// UploadRateLimit is per client IP, in requests per second. Zero disables limiting.
	UploadRateLimit float64 `yaml:"upload_rate_limit"`
	UploadBurst     int     `yaml:"upload_burst"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
}

// QueueConfig holds the main task queue and its delay queue
type QueueConfig struct {
	Name       string        `yaml:"name"`
	RetryQueue string        `yaml:"retry_queue"`
	MessageTTL time.Duration `yaml:"message_ttl"`
	// Quorum lets the broker enforce DeliveryLimit
	Quorum        bool `yaml:"quorum"`
	DeliveryLimit int  `yaml:"delivery_limit"`
}

// DeadLetterConfig holds the dead-letter exchange and queue names
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
	MaxDeliveries int    `yaml:"max_deliveries"`
}

// RedisConfig holds the lock and status cache backend configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// BlobConfig selects and configures the blob store
type BlobConfig struct {
	Driver string       `yaml:"driver" env:"DRIVER"`
	FS     FSBlobConfig `yaml:"fs" envPrefix:"FS_"`
	S3     S3BlobConfig `yaml:"s3" envPrefix:"S3_"`
}

// FSBlobConfig holds the local filesystem blob store settings
type FSBlobConfig struct {
	Root string `yaml:"root" env:"ROOT"`
}

// S3BlobConfig holds the S3-compatible blob store settings
type S3BlobConfig struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	ID                string        `yaml:"id" env:"ID"`
	Concurrency       int           `yaml:"concurrency" env:"CONCURRENCY"`
	MaxRetries        int           `yaml:"max_retries"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ReaperConfig holds stale-job reaper configuration
type ReaperConfig struct {
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	// PendingAfter re-enqueues PENDING or RETRYING jobs untouched for this long. Zero disables it.
	PendingAfter time.Duration `yaml:"pending_after"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	BatchSize    int           `yaml:"batch_size"`
}

// IngestionConfig holds upload validation and durability settings
type IngestionConfig struct {
	MaxFileSize      int64         `yaml:"max_file_size"`
	AllowedMIMETypes []string      `yaml:"allowed_mime_types"`
	EnqueueTimeout   time.Duration `yaml:"enqueue_timeout"`
	DeleteAttempts   int           `yaml:"delete_attempts"`
	DeleteBackoff    time.Duration `yaml:"delete_backoff"`
}

// maxCacheTTL keeps a status poll from serving a pre-transition view for long
const maxCacheTTL = 5 * time.Second

// CacheConfig holds status cache settings
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.UploadRateLimit < 0 {
		return fmt.Errorf("server upload_rate_limit must not be negative")
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Ingestion.MaxFileSize <= 0 {
		return fmt.Errorf("ingestion max_file_size must be greater than 0")
	}

	if len(c.Ingestion.AllowedMIMETypes) == 0 {
		return fmt.Errorf("ingestion allowed_mime_types must not be empty")
	}

	if c.Ingestion.EnqueueTimeout <= 0 {
		return fmt.Errorf("ingestion enqueue_timeout must be greater than 0")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be greater than 0")
	}

	if c.Cache.TTL > maxCacheTTL {
		return fmt.Errorf("cache ttl must not exceed %s", maxCacheTTL)
	}

	return nil
}

// ValidateWorkerConfig checks worker and reaper settings, including
// processing_timeout < lock_ttl <= reaper.stale_after
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxRetries <= 0 {
		return fmt.Errorf("worker max_retries must be greater than 0")
	}

	if c.Worker.ProcessingTimeout <= 0 {
		return fmt.Errorf("worker processing_timeout must be greater than 0")
	}

	if c.Worker.LockTTL <= c.Worker.ProcessingTimeout {
		return fmt.Errorf("worker lock_ttl (%s) must be greater than processing_timeout (%s)",
			c.Worker.LockTTL, c.Worker.ProcessingTimeout)
	}

	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("worker backoff_max must be at least backoff_base, and both greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if !c.Reaper.Enabled {
		return nil
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be greater than 0")
	}

	if c.Reaper.StaleAfter < c.Worker.LockTTL {
		return fmt.Errorf("reaper stale_after (%s) must be at least worker lock_ttl (%s)",
			c.Reaper.StaleAfter, c.Worker.LockTTL)
	}

	if c.Reaper.PendingAfter > 0 && c.Reaper.PendingAfter <= c.Worker.BackoffMax {
		return fmt.Errorf("reaper pending_after (%s) must be greater than worker backoff_max (%s)",
			c.Reaper.PendingAfter, c.Worker.BackoffMax)
	}

	return nil
}

func (c *Config) validateBackends() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" || c.RabbitMQ.Queue.RetryQueue == "" {
		return fmt.Errorf("rabbitmq queue name and retry_queue are required")
	}

	if c.RabbitMQ.DeadLetter.Exchange == "" || c.RabbitMQ.DeadLetter.Queue == "" {
		return fmt.Errorf("rabbitmq dead_letter exchange and queue are required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	switch c.Blob.Driver {
	case BlobDriverFS:
		if c.Blob.FS.Root == "" {
			return fmt.Errorf("blob fs root is required")
		}
	case BlobDriverS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob s3 bucket is required")
		}
	default:
		return fmt.Errorf("unknown blob driver: %q", c.Blob.Driver)
	}

	return nil
}
