package cli

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/datahub/config"
	"github.com/Ramsey-B/datahub/internal/repositories/relational"
	"github.com/Ramsey-B/datahub/pkg/database"
	"github.com/Ramsey-B/datahub/pkg/events"
	"github.com/Ramsey-B/datahub/pkg/kafka"
	"github.com/Ramsey-B/datahub/pkg/merging"
	"github.com/Ramsey-B/datahub/pkg/redis"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/startup"
	"github.com/Ramsey-B/datahub/pkg/tracing"
	"github.com/Ramsey-B/datahub/pkg/tracing/exporters"
)

const (
	depTracing    = "tracing"
	depDatabase   = "database"
	depMigrations = "migrations"
	depRedis      = "redis"
	depKafka      = "kafka"
	depMerging    = "merging"
)

// app holds the service dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer
	engine   *merging.Engine
}

type appOptions struct {
	migrate bool
}

func newApp(cfg *config.Config, logger ectologger.Logger, opts appOptions) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	var shutdownTracing func(context.Context) error
	a.startup.AddDependency(&startup.Dependency{
		Name: depTracing,
		OnStart: func(ctx context.Context) error {
			if shutdownTracing != nil {
				return nil
			}
			shutdown, err := tracing.Setup(ctx, tracing.ProviderConfig{
				ServiceName: cfg.AppName,
				Enabled:     cfg.TracingEnabled,
				OTLP: exporters.OTLPConfig{
					Endpoint: cfg.TracingEndpoint,
					Protocol: cfg.TracingProtocol,
					Insecure: cfg.TracingInsecure,
					Timeout:  cfg.TracingTimeout,
				},
			})
			if err != nil {
				return err
			}
			shutdownTracing = shutdown
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdownTracing == nil {
				return nil
			}
			return shutdownTracing(ctx)
		},
	})

	a.startup.AddDependency(&startup.Dependency{
		Name: depDatabase,
		OnStart: func(ctx context.Context) error {
			if a.db != nil {
				return nil
			}
			db, err := database.Connect(ctx, database.ConnectionConfig{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				User:            cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		OnStop: func(context.Context) error {
			if a.db == nil {
				return nil
			}
			return a.db.Close()
		},
	})

	mergingRequires := []string{depTracing, depDatabase}

	if opts.migrate {
		a.startup.AddDependency(&startup.Dependency{
			Name:     depMigrations,
			Requires: []string{depDatabase},
			OnStart: func(context.Context) error {
				return a.migrate()
			},
		})
		mergingRequires = append(mergingRequires, depMigrations)
	}

	if cfg.RedisEnabled {
		a.startup.AddDependency(&startup.Dependency{
			Name: depRedis,
			OnStart: func(ctx context.Context) error {
				if a.redis != nil {
					return nil
				}
				client, err := redis.NewClient(ctx, redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			OnStop: func(context.Context) error {
				if a.redis == nil {
					return nil
				}
				return a.redis.Close()
			},
		})
		mergingRequires = append(mergingRequires, depRedis)
	}

	if cfg.KafkaEnabled {
		a.startup.AddDependency(&startup.Dependency{
			Name: depKafka,
			OnStart: func(context.Context) error {
				if a.producer == nil {
					a.producer = kafka.NewProducer(kafka.Config{
						Brokers:      cfg.KafkaBrokers,
						Topic:        cfg.KafkaOutputTopic,
						BatchSize:    cfg.KafkaBatchSize,
						BatchTimeout: msToDuration(cfg.KafkaBatchTimeout),
						RequiredAcks: cfg.KafkaRequiredAcks,
						Compression:  cfg.KafkaCompression,
					}, logger)
				}
				return nil
			},
			OnStop: func(context.Context) error {
				if a.producer == nil {
					return nil
				}
				return a.producer.Close()
			},
		})
		mergingRequires = append(mergingRequires, depKafka)
	}

	a.startup.AddDependency(&startup.Dependency{
		Name:     depMerging,
		Requires: mergingRequires,
		OnStart: func(context.Context) error {
			engine, err := a.newEngine()
			if err != nil {
				return err
			}
			a.engine = engine
			return nil
		},
	})

	return a
}

func (a *app) migrate() error {
	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(a.db, a.cfg.DatabaseName)
}

func (a *app) newEngine() (*merging.Engine, error) {
	s := schema.DataHub()
	registry, err := merging.DefaultRegistry(s)
	if err != nil {
		return nil, err
	}

	opts := []merging.Option{merging.WithLockTTL(a.cfg.MergeLockTTL)}
	if a.redis != nil {
		opts = append(opts, merging.WithLocker(redis.NewLocker(a.redis, "")))
	}

	// a typed nil producer would not read as disabled
	var producer events.Producer
	if a.producer != nil {
		producer = a.producer
	}
	opts = append(opts, merging.WithPublisher(events.NewEmitter(producer, a.logger)))

	repo := relational.NewRepository(a.db, s, a.logger)
	return merging.NewEngine(repo, registry, a.logger, opts...), nil
}

func (a *app) start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *app) stop(ctx context.Context) error {
	return a.startup.Stop(ctx)
}
