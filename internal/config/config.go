package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Locks    LocksConfig    `mapstructure:"locks"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Vector   VectorConfig   `mapstructure:"vector"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	ServiceName string `mapstructure:"service_name"`
	File        string `mapstructure:"file"`
	FileOnly    bool   `mapstructure:"file_only"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// DatabaseConfig selects sqlite (Path) or postgres (Host..SSLMode).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN renders the driver-specific connection string.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on&_journal_mode=WAL"
}

type DedupConfig struct {
	// PHashThreshold is the largest Hamming distance treated as a near duplicate.
	PHashThreshold int           `mapstructure:"phash_threshold"`
	BucketBits     int           `mapstructure:"bucket_bits"`
	MaxRetries     int           `mapstructure:"max_retries"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type LocksConfig struct {
	Backend string `mapstructure:"backend"` // memory or redis
	Stripes int    `mapstructure:"stripes"` // in-process template lock stripes
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type VectorConfig struct {
	Backend         string `mapstructure:"backend"` // memory or qdrant
	Dimensions      int    `mapstructure:"dimensions"`
	ImageCollection string `mapstructure:"image_collection"`
	TextCollection  string `mapstructure:"text_collection"`
	RebuildOnStart  bool   `mapstructure:"rebuild_on_start"`
}

type QdrantConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
	UseTLS bool   `mapstructure:"use_tls"`
}

// StorageConfig describes S3-compatible object storage (Cloudflare R2, AWS S3).
// An empty Endpoint and Bucket disables storage.
type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

// Enabled reports whether enough is configured to reach a bucket.
func (c StorageConfig) Enabled() bool {
	return c.Bucket != "" && (c.Endpoint != "" || c.Type == "s3")
}

type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

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
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and connection targets keep their conventional names.
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD", "PGPASSWORD")
	_ = v.BindEnv("database.host", "DATABASE_HOST", "PGHOST")
	_ = v.BindEnv("redis.host", "REDIS_HOST")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("qdrant.host", "QDRANT_HOST")
	_ = v.BindEnv("qdrant.port", "QDRANT_PORT")
	_ = v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.file", "LOG_FILE")

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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "memedex")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/memedex.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "require")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("dedup.phash_threshold", 8)
	v.SetDefault("dedup.bucket_bits", 4)
	v.SetDefault("dedup.max_retries", 3)
	v.SetDefault("dedup.lock_ttl", 10*time.Second)

	v.SetDefault("locks.backend", "memory")
	v.SetDefault("locks.stripes", 256)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.dimensions", 1024)
	v.SetDefault("vector.image_collection", "template_images")
	v.SetDefault("vector.text_collection", "template_texts")
	v.SetDefault("vector.rebuild_on_start", true)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)

	v.SetDefault("storage.type", "r2")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "exports")

	v.SetDefault("ingest.workers", 5)
	v.SetDefault("ingest.batch_size", 100)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Dedup.PHashThreshold < 0 || c.Dedup.PHashThreshold > 64 {
		return fmt.Errorf("config: dedup.phash_threshold %d outside [0,64]", c.Dedup.PHashThreshold)
	}
	if c.Dedup.BucketBits < 0 || c.Dedup.BucketBits > 16 {
		return fmt.Errorf("config: dedup.bucket_bits %d outside [0,16]", c.Dedup.BucketBits)
	}
	if c.Dedup.MaxRetries < 1 {
		return fmt.Errorf("config: dedup.max_retries must be at least 1")
	}
	switch c.Locks.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown locks backend %q", c.Locks.Backend)
	}
	switch c.Vector.Backend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("config: unknown vector backend %q", c.Vector.Backend)
	}
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("config: vector.dimensions must be positive")
	}
	return nil
}
