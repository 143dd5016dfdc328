// Package app builds the fern components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/db"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/snapshot"
	"github.com/Ramsey-B/fern/pkg/tokencache"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// NewLogger builds the zap backed logger. PRETTY_LOGS selects the console encoder.
func NewLogger(cfg config.Config) (ectologger.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.InitialFields = map[string]any{"app": cfg.AppName, "version": cfg.Version}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}

// NewSnapshotSource opens the configured snapshot source.
func NewSnapshotSource(cfg config.Config, logger ectologger.Logger) (snapshot.Source, error) {
	switch {
	case cfg.SnapshotSource == "file":
		return snapshot.NewFileSource(cfg.SnapshotDir), nil
	case cfg.BlobConnectionString != "":
		return snapshot.NewBlobSourceFromConnectionString(cfg.BlobConnectionString, cfg.SnapshotContainer)
	default:
		credential := tokencache.New(
			tokencache.ClientCredentials(cfg.TokenClientID, cfg.TokenClientSecret, cfg.TokenURL),
			logger,
			tokencache.WithSkew(cfg.TokenRefreshSkew),
		)
		return snapshot.NewBlobSource(cfg.BlobServiceURL, cfg.SnapshotContainer, credential)
	}
}

func RetryConfig(cfg config.Config) retry.Config {
	return retry.Config{
		MaxAttempts:     cfg.WriteMaxAttempts,
		BaseDelay:       cfg.WriteBaseDelay,
		MaxDelay:        cfg.WriteMaxDelay,
		DefaultThrottle: cfg.WriteDefaultThrottle,
	}
}

func ProcessorConfig(cfg config.Config) processor.Config {
	return processor.Config{
		Concurrency: cfg.WriteConcurrency,
		BatchSize:   cfg.WriteBatchSize,
		PageSize:    cfg.QueryPageSize,
	}
}

func DatabaseConfig(cfg config.Config) database.Config {
	return database.Config{
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}
}

func RedisConfig(cfg config.Config) redis.Config {
	return redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func TracingConfig(cfg config.Config) tracing.Config {
	exporter := "none"
	if cfg.OTLPEnabled {
		exporter = "otlp"
	}
	return tracing.Config{
		ServiceName: cfg.AppName,
		Exporter:    exporter,
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    cfg.OTLPProtocol,
		Insecure:    cfg.OTLPInsecure,
	}
}

func ProducerConfig(cfg config.Config) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers: kafka.ParseBrokers(cfg.KafkaBrokers),
		Topic:   cfg.ChangeEventsTopic,
	}
}

func ConsumerConfig(cfg config.Config) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:         kafka.ParseBrokers(cfg.KafkaBrokers),
		Topic:           cfg.SnapshotReadyTopic,
		ConsumerGroup:   cfg.KafkaConsumerGroup,
		MaxRetryElapsed: cfg.TriggerMaxRetry,
	}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, cfg config.Config, instance *database.DatabaseInstance, logger ectologger.Logger) error {
	service := database.NewMigrationService(logger.WithContext(ctx), &database.MigrationConfig{
		Files:        db.Migrations,
		Dir:          db.MigrationsDir,
		Version:      cfg.DatabaseMigrationVersion,
		Force:        cfg.DatabaseMigrationForce,
		AutoRollback: cfg.DatabaseMigrationAutoRollback,
	})
	return service.Migrate(instance.DB, cfg.DatabaseName)
}
