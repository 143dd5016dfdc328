package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/internal/repositories/document"
	"github.com/Ramsey-B/fern/internal/repositories/runs"
	"github.com/Ramsey-B/fern/internal/server"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entityconfig"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/retry"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the snapshot trigger consumer and the purge loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root)
		},
	}
}

// service holds what the startup steps build for each other.
type service struct {
	db        *database.DatabaseInstance
	redis     *redis.Client
	producer  *kafka.Producer
	processor *processor.Processor
	runs      *runs.Repository
	documents *document.Repository
	checker   *health.Checker
}

func runServe(ctx context.Context, root *rootOptions) error {
	cfg, logger := root.cfg, root.logger
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := &service{checker: health.NewChecker(cfg.Version)}
	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	var shutdownTracing func(context.Context) error
	s.AddDependency(startup.Dependency{
		Name: "tracing",
		OnStart: func(ctx context.Context) error {
			shutdown, err := tracing.Setup(ctx, app.TracingConfig(cfg))
			shutdownTracing = shutdown
			return err
		},
		OnStop: func(ctx context.Context) error {
			if shutdownTracing == nil {
				return nil
			}
			return shutdownTracing(ctx)
		},
	})

	s.AddDependency(startup.Dependency{
		Name: "database",
		OnStart: func(ctx context.Context) error {
			instance, err := database.Connect(ctx, app.DatabaseConfig(cfg), logger)
			if err != nil {
				return err
			}
			if err := app.Migrate(ctx, cfg, instance, logger); err != nil {
				_ = instance.Close()
				return err
			}
			svc.db = instance
			svc.documents = document.NewRepository(instance, logger)
			svc.runs = runs.NewRepository(instance, logger)
			svc.checker.Require("database", instance)
			return nil
		},
		OnStop: func(context.Context) error {
			if svc.db == nil {
				return nil
			}
			return svc.db.Close()
		},
	})

	if cfg.RedisEnabled {
		s.AddDependency(startup.Dependency{
			Name: "redis",
			OnStart: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, app.RedisConfig(cfg), logger)
				if err != nil {
					return err
				}
				svc.redis = client
				svc.checker.Optional("redis", health.PingFunc(client.Ping))
				return nil
			},
			OnStop: func(context.Context) error {
				if svc.redis == nil {
					return nil
				}
				return svc.redis.Close()
			},
		})
	}

	publishing := cfg.KafkaEnabled && cfg.ChangeEventsTopic != ""
	if publishing {
		s.AddDependency(startup.Dependency{
			Name: "producer",
			OnStart: func(context.Context) error {
				svc.producer = kafka.NewProducer(app.ProducerConfig(cfg), logger)
				return nil
			},
			OnStop: func(context.Context) error {
				if svc.producer == nil {
					return nil
				}
				return svc.producer.Close()
			},
		})
	}

	s.AddDependency(startup.Dependency{
		Name:     "processor",
		Requires: processorRequires(cfg.RedisEnabled, publishing),
		OnStart: func(ctx context.Context) error {
			registry, err := entityconfig.LoadDir(cfg.EntityConfigDir)
			if err != nil {
				return err
			}
			source, err := app.NewSnapshotSource(cfg, logger)
			if err != nil {
				return err
			}

			opts := []processor.Option{processor.WithRecorder(svc.runs)}
			if svc.redis != nil {
				opts = append(opts, processor.WithLocker(redis.NewKindLocker(svc.redis, cfg.LockTTL, logger)))
			}
			if svc.producer != nil {
				opts = append(opts, processor.WithPublisher(svc.producer))
			}

			policy := retry.NewPolicy(app.RetryConfig(cfg), logger)
			svc.processor = processor.NewProcessor(registry, source, svc.documents, policy, logger, app.ProcessorConfig(cfg), opts...)
			logger.WithContext(ctx).Infof("Loaded %d entity types", len(registry.Names()))
			return nil
		},
	})

	var srv *server.Server
	s.AddDependency(startup.Dependency{
		Name:     "http",
		Requires: []string{"processor"},
		OnStart: func(ctx context.Context) error {
			srv = server.New(cfg.AppName, cfg.Port, server.Deps{
				Reconciler: svc.processor,
				Kinds:      svc.processor,
				Runs:       svc.runs,
				Health:     svc.checker,
			}, logger)
			return srv.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if srv == nil {
				return nil
			}
			return srv.Stop(ctx)
		},
	})

	if cfg.KafkaEnabled {
		var consumer *kafka.Consumer
		s.AddDependency(startup.Dependency{
			Name:     "consumer",
			Requires: []string{"processor"},
			OnStart: func(ctx context.Context) error {
				consumer = kafka.NewConsumer(app.ConsumerConfig(cfg), svc.processor, logger)
				return consumer.Start(ctx)
			},
			OnStop: func(context.Context) error {
				if consumer == nil {
					return nil
				}
				return consumer.Stop()
			},
		})
	}

	var purge *app.PurgeLoop
	s.AddDependency(startup.Dependency{
		Name:     "purge",
		Requires: []string{"database"},
		OnStart: func(ctx context.Context) error {
			purge = app.NewPurgeLoop(svc.documents, cfg.PurgeInterval, logger)
			return purge.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if purge == nil {
				return nil
			}
			return purge.Stop(ctx)
		},
	})

	if err := s.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = s.Stop(shutdownCtx)
		return err
	}
	svc.checker.SetReady(true)
	logger.WithContext(ctx).Infof("%s %s is ready", cfg.AppName, cfg.Version)

	<-ctx.Done()
	logger.WithContext(ctx).Info("Shutting down")
	svc.checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func processorRequires(redisEnabled, publishing bool) []string {
	requires := []string{"database"}
	if redisEnabled {
		requires = append(requires, "redis")
	}
	if publishing {
		requires = append(requires, "producer")
	}
	return requires
}
