package config

import "time"

// DeployConfig holds runtime configuration for the deploy service.
type DeployConfig struct {
	Environment            string
	Addr                   string
	DatabaseURL            string
	MigrationsDir          string
	FileStoreURL           string
	BlobStoreURL           string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	CacheTTL               time.Duration
	CacheSize              int
	ArchiveConcurrency     int
	MaterializeConcurrency int
	PublicURL              string
	PasswordSecret         string
	APIToken               string
	TrashWorkers           int
	TrashQueueBuffer       int
	MaxArchiveBytes        int64
	DeployRateLimit        int
	LogLevel               string
	WebhookURL             string
	WebhookToken           string
}

// LoadDeployConfig constructs a DeployConfig from environment variables.
func LoadDeployConfig() DeployConfig {
	return DeployConfig{
		Environment:            GetString("APP_ENV", "development"),
		Addr:                   GetString("DEPLOY_ADDR", ":4100"),
		DatabaseURL:            GetString("DATABASE_URL", "postgres://share:share@db:5432/share?sslmode=disable"),
		MigrationsDir:          GetString("DB_MIGRATIONS_DIR", ""),
		FileStoreURL:           GetString("FILE_STORE_URL", "file:///var/lib/share/files"),
		BlobStoreURL:           GetString("BLOB_STORE_URL", "file:///var/lib/share/blobs"),
		RedisAddr:              GetString("REDIS_ADDR", ""),
		RedisPassword:          GetString("REDIS_PASSWORD", ""),
		RedisDB:                GetInt("REDIS_DB", 0),
		CacheTTL:               GetSeconds("DEPLOY_CACHE_TTL_SECONDS", time.Hour),
		CacheSize:              GetInt("DEPLOY_CACHE_SIZE", 4096),
		ArchiveConcurrency:     GetInt("ARCHIVE_WRITE_CONCURRENCY", 100),
		MaterializeConcurrency: GetInt("MATERIALIZE_CONCURRENCY", 8),
		PublicURL:              GetString("PUBLIC_SHARE_URL", "http://localhost:4100/share"),
		PasswordSecret:         GetString("BRANCH_PASSWORD_SECRET", "supersecuresecret"),
		APIToken:               GetString("DEPLOY_API_TOKEN", ""),
		TrashWorkers:           GetInt("TRASH_WORKERS", 2),
		TrashQueueBuffer:       GetInt("TRASH_QUEUE_BUFFER", 1024),
		MaxArchiveBytes:        int64(GetInt("MAX_ARCHIVE_MB", 1024)) << 20,
		DeployRateLimit:        GetInt("DEPLOY_RATE_LIMIT", 60),
		LogLevel:               GetString("LOG_LEVEL", "info"),
		WebhookURL:             GetString("DEPLOY_WEBHOOK_URL", ""),
		WebhookToken:           GetString("DEPLOY_WEBHOOK_TOKEN", ""),
	}
}
