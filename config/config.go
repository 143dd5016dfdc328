package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"fern"`
	Version            string `env:"APP_VERSION" env-default:"dev"`
	Port               int    `env:"PORT" env-default:"3000"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Directory of entity type YAML/JSON files
	EntityConfigDir string `env:"ENTITY_CONFIG_DIR" env-default:"config/entitytypes"`

	// Snapshot source: "file" or "blob"
	SnapshotSource string `env:"SNAPSHOT_SOURCE" env-default:"file"`
	// Root directory of the file snapshot source
	SnapshotDir string `env:"SNAPSHOT_DIR" env-default:"snapshots"`
	// Azure blob container holding snapshots
	SnapshotContainer string `env:"SNAPSHOT_CONTAINER" env-default:"snapshots"`
	// Azure storage connection string; takes precedence over the service URL
	BlobConnectionString string `env:"BLOB_CONNECTION_STRING" env-default:""`
	// Azure storage service URL, authenticated with the OAuth2 client below
	BlobServiceURL string `env:"BLOB_SERVICE_URL" env-default:""`

	// OAuth2 client credentials used for the blob service URL
	TokenURL          string        `env:"TOKEN_URL" env-default:""`
	TokenClientID     string        `env:"TOKEN_CLIENT_ID" env-default:""`
	TokenClientSecret string        `env:"TOKEN_CLIENT_SECRET" env-default:""`
	TokenRefreshSkew  time.Duration `env:"TOKEN_REFRESH_SKEW" env-default:"5m"`

	// Reconciliation settings
	// Writes in flight per run
	WriteConcurrency int `env:"WRITE_CONCURRENCY" env-default:"16"`
	// Documents per batched upsert (1 writes each document on its own)
	WriteBatchSize int `env:"WRITE_BATCH_SIZE" env-default:"100"`
	// Page size when reading persisted state
	QueryPageSize int `env:"QUERY_PAGE_SIZE" env-default:"1000"`
	// Attempts per write before it is reported as failed
	WriteMaxAttempts int `env:"WRITE_MAX_ATTEMPTS" env-default:"3"`
	// First backoff delay of a transient write failure
	WriteBaseDelay time.Duration `env:"WRITE_BASE_DELAY" env-default:"200ms"`
	// Cap of the write backoff delay
	WriteMaxDelay time.Duration `env:"WRITE_MAX_DELAY" env-default:"10s"`
	// Wait used for throttled writes without a server hint
	WriteDefaultThrottle time.Duration `env:"WRITE_DEFAULT_THROTTLE" env-default:"1s"`
	// How often expired documents and change records are purged (0 disables)
	PurgeInterval time.Duration `env:"PURGE_INTERVAL" env-default:"1h"`

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	// Database Migration Version (0 migrates to the latest)
	DatabaseMigrationVersion uint `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Enable the per-kind Redis lock
	RedisEnabled bool `env:"REDIS_ENABLED" env-default:"true"`
	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`
	// TTL of a kind lock; a held lock is extended while its run is alive
	LockTTL time.Duration `env:"LOCK_TTL" env-default:"1m"`

	// Enable the Kafka trigger consumer and change event producer
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"true"`
	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Topic announcing collected snapshots
	SnapshotReadyTopic string `env:"SNAPSHOT_READY_TOPIC" env-default:"fern.snapshots.ready"`
	// Consumer group of the snapshot-ready consumer
	KafkaConsumerGroup string `env:"KAFKA_CONSUMER_GROUP" env-default:"fern"`
	// Topic change events are published to (empty disables publishing)
	ChangeEventsTopic string `env:"CHANGE_EVENTS_TOPIC" env-default:"fern.changes"`
	// How long a failing trigger is retried before it is left uncommitted (0 retries until shutdown)
	TriggerMaxRetry time.Duration `env:"TRIGGER_MAX_RETRY" env-default:"15m"`

	// Tracing settings
	// Enable OTLP tracing export
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the environment.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SnapshotSource {
	case "file":
		if c.SnapshotDir == "" {
			return errors.New("SNAPSHOT_DIR is required for the file snapshot source")
		}
	case "blob":
		if c.BlobConnectionString == "" && c.BlobServiceURL == "" {
			return errors.New("BLOB_CONNECTION_STRING or BLOB_SERVICE_URL is required for the blob snapshot source")
		}
		if c.BlobConnectionString == "" && (c.TokenURL == "" || c.TokenClientID == "") {
			return errors.New("TOKEN_URL and TOKEN_CLIENT_ID are required with BLOB_SERVICE_URL")
		}
	default:
		return fmt.Errorf("unsupported SNAPSHOT_SOURCE %q (use file or blob)", c.SnapshotSource)
	}
	if c.WriteConcurrency < 1 {
		return errors.New("WRITE_CONCURRENCY must be at least 1")
	}
	if c.WriteBatchSize < 1 {
		return errors.New("WRITE_BATCH_SIZE must be at least 1")
	}
	return nil
}
