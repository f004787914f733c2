package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/xxxsen/common/logger"

	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

type Config struct {
	Port        int              `json:"port"`
	MaxUploadMB int64            `json:"max_upload_mb"`
	LogConfig   logger.LogConfig `json:"log_config"`
	Database    DatabaseConfig   `json:"database"`
	Redis       RedisConfig      `json:"redis"`
	FileStore   FileStoreConfig  `json:"file_store"`
	Chunk       ChunkConfig      `json:"chunk"`
	Embedding   EmbeddingConfig  `json:"embedding"`
	Retrieval   RetrievalConfig  `json:"retrieval"`
	Generation  GenerationConfig `json:"generation"`
	RateLimit   RateLimitConfig  `json:"rate_limit"`
	Watch       WatchConfig      `json:"watch"`
	Jobs        JobsConfig       `json:"jobs"`
}

type DatabaseConfig struct {
	DSN          string `json:"dsn"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	DBName       string `json:"dbname"`
	SSLMode      string `json:"sslmode"`
	MaxOpenConns int    `json:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type FileStoreConfig struct {
	Type      string   `json:"type"`
	Dir       string   `json:"dir"`
	PublicURL string   `json:"public_url"`
	S3        S3Config `json:"s3"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
	PublicURL string `json:"public_url"`
	UseSSL    bool   `json:"use_ssl"`
}

type ChunkConfig struct {
	ChunkSize    int      `json:"chunk_size"`
	ChunkOverlap int      `json:"chunk_overlap"`
	Separators   []string `json:"separators"`
}

// ProviderConfig names a registered provider. Data is decoded by the
// provider factory.
type ProviderConfig struct {
	Name  string      `json:"name"`
	Model string      `json:"model"`
	Data  interface{} `json:"data"`
}

type LocalEmbeddingConfig struct {
	Enabled        bool     `json:"enabled"`
	Endpoint       string   `json:"endpoint"`
	Model          string   `json:"model"`
	Aliases        []string `json:"aliases"`
	Device         string   `json:"device"`
	KeepAlive      string   `json:"keep_alive"`
	Dimension      int      `json:"dimension"`
	TimeoutSeconds int      `json:"timeout"`
}

type RemoteEmbeddingConfig struct {
	Dimension int              `json:"dimension"`
	Providers []ProviderConfig `json:"providers"`
}

type BreakerConfig struct {
	MaxFailures        uint32 `json:"max_failures"`
	OpenTimeoutSeconds int    `json:"open_timeout"`
}

type EmbeddingCacheConfig struct {
	LRUSize         int    `json:"lru_size"`
	LRUTTLSeconds   int    `json:"lru_ttl"`
	Redis           bool   `json:"redis"`
	RedisPrefix     string `json:"redis_prefix"`
	RedisTTLSeconds int    `json:"redis_ttl"`
	DB              bool   `json:"db"`
}

type EmbeddingConfig struct {
	Local              LocalEmbeddingConfig  `json:"local"`
	Remote             RemoteEmbeddingConfig `json:"remote"`
	DisableHash        bool                  `json:"disable_hash"`
	HashDimension      int                   `json:"hash_dimension"`
	TimeoutSeconds     int                   `json:"timeout"`
	InitTimeoutSeconds int                   `json:"init_timeout"`
	BatchSize          int                   `json:"batch_size"`
	Breaker            BreakerConfig         `json:"breaker"`
	Cache              EmbeddingCacheConfig  `json:"cache"`
}

func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c EmbeddingConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutSeconds) * time.Second
}

type RetrievalConfig struct {
	Store       string  `json:"store"`
	Threshold   float64 `json:"threshold"`
	MaxResults  int     `json:"max_results"`
	TokenBudget int     `json:"token_budget"`
}

type GenerationConfig struct {
	Providers      []ProviderConfig `json:"providers"`
	TimeoutSeconds int              `json:"timeout"`
	HistoryLimit   int              `json:"history_limit"`
}

type RateLimitConfig struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window"`
}

type WatchConfig struct {
	Dir            string `json:"dir"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	DebounceMillis int    `json:"debounce_ms"`
}

type CleanupJobConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule"`
	MaxAgeDays int    `json:"max_age_days"`
}

type JobsConfig struct {
	EmbeddingCacheCleanup CleanupJobConfig `json:"embedding_cache_cleanup"`
}

// Load reads a JSON config, applies defaults and validates it. A .env file
// next to the working directory is loaded first so provider secrets can be
// referenced as ${VAR}.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 20
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if err := c.normalizeChunk(); err != nil {
		return err
	}
	c.normalizeEmbedding()
	if err := c.normalizeRetrieval(); err != nil {
		return err
	}
	if c.Generation.TimeoutSeconds <= 0 {
		c.Generation.TimeoutSeconds = 60
	}
	if c.Generation.HistoryLimit <= 0 {
		c.Generation.HistoryLimit = 50
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = 20
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.Watch.DebounceMillis <= 0 {
		c.Watch.DebounceMillis = 500
	}
	if c.Jobs.EmbeddingCacheCleanup.Schedule == "" {
		c.Jobs.EmbeddingCacheCleanup.Schedule = "0 3 * * *"
	}
	if c.Jobs.EmbeddingCacheCleanup.MaxAgeDays <= 0 {
		c.Jobs.EmbeddingCacheCleanup.MaxAgeDays = 30
	}
	if c.Embedding.Cache.Redis && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when embedding.cache.redis is set", appErr.ErrConfig)
	}
	return c.normalizeFileStore()
}

func (c *Config) normalizeChunk() error {
	if c.Chunk.ChunkSize == 0 {
		c.Chunk.ChunkSize = 1000
		if c.Chunk.ChunkOverlap == 0 {
			c.Chunk.ChunkOverlap = 200
		}
	}
	if c.Chunk.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk.chunk_size must be positive", appErr.ErrConfig)
	}
	if c.Chunk.ChunkOverlap < 0 || c.Chunk.ChunkOverlap >= c.Chunk.ChunkSize {
		return fmt.Errorf("%w: chunk.chunk_overlap must be in [0, chunk_size)", appErr.ErrConfig)
	}
	return nil
}

func (c *Config) normalizeEmbedding() {
	e := &c.Embedding
	if e.HashDimension <= 0 {
		e.HashDimension = 384
	}
	if e.TimeoutSeconds <= 0 {
		e.TimeoutSeconds = 30
	}
	if e.InitTimeoutSeconds <= 0 {
		e.InitTimeoutSeconds = 120
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 64
	}
	if e.Remote.Dimension <= 0 {
		e.Remote.Dimension = 1024
	}
	if e.Cache.RedisPrefix == "" {
		e.Cache.RedisPrefix = "pharmrag:"
	}
	if e.Cache.RedisTTLSeconds <= 0 {
		e.Cache.RedisTTLSeconds = 7 * 24 * 3600
	}
	if e.Cache.LRUTTLSeconds <= 0 {
		e.Cache.LRUTTLSeconds = 3600
	}
}

func (c *Config) normalizeRetrieval() error {
	r := &c.Retrieval
	if r.Store == "" {
		r.Store = "postgres"
	}
	if r.Store != "postgres" && r.Store != "memory" {
		return fmt.Errorf("%w: retrieval.store must be postgres or memory", appErr.ErrConfig)
	}
	if r.Threshold == 0 {
		r.Threshold = 0.5
	}
	if r.Threshold < -1 || r.Threshold > 1 {
		return fmt.Errorf("%w: retrieval.threshold must be within [-1, 1]", appErr.ErrConfig)
	}
	if r.MaxResults <= 0 {
		r.MaxResults = 5
	}
	if r.TokenBudget <= 0 {
		r.TokenBudget = 2000
	}
	return nil
}

func (c *Config) normalizeFileStore() error {
	if c.FileStore.Type == "" {
		c.FileStore.Type = "none"
	}
	switch c.FileStore.Type {
	case "none":
	case "local":
		if c.FileStore.Dir == "" {
			return fmt.Errorf("%w: file_store.dir is required for local store", appErr.ErrConfig)
		}
	case "s3":
		if c.FileStore.S3.Bucket == "" || c.FileStore.S3.SecretID == "" || c.FileStore.S3.SecretKey == "" {
			return fmt.Errorf("%w: file_store.s3 bucket/secret_id/secret_key are required for s3 store", appErr.ErrConfig)
		}
		if c.FileStore.S3.Region == "" {
			c.FileStore.S3.Region = "us-east-1"
		}
	default:
		return fmt.Errorf("%w: file_store.type must be none, local or s3", appErr.ErrConfig)
	}
	return nil
}
