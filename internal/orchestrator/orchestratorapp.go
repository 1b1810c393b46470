package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/imagery-orchestrator/internal/common"
	"github.com/G-Research/imagery-orchestrator/internal/common/app"
	dbcommon "github.com/G-Research/imagery-orchestrator/internal/common/database"
	"github.com/G-Research/imagery-orchestrator/internal/common/health"
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/task"
	"github.com/G-Research/imagery-orchestrator/internal/common/util"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/configuration"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/executor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/jobdb"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/scheduling"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/server"
	"github.com/G-Research/imagery-orchestrator/internal/processors/composite"
	"github.com/G-Research/imagery-orchestrator/internal/processors/lai"
)

const defaultEventBatchSize = 100

// Run sets up the orchestrator and runs it until a SIGTERM is received
func Run(config configuration.OrchestratorConfiguration) error {
	g, ctx := orchcontext.ErrGroup(app.CreateContextWithShutdown())

	//////////////////////////////////////////////////////////////////////////
	// Repository
	//////////////////////////////////////////////////////////////////////////
	repo, checker, closeRepo, err := openRepository(ctx, config)
	if err != nil {
		return err
	}
	defer closeRepo()

	//////////////////////////////////////////////////////////////////////////
	// Executor
	//////////////////////////////////////////////////////////////////////////
	proxy, closeProxy, err := createExecutorProxy(config.Executor)
	if err != nil {
		return err
	}
	defer closeProxy()

	//////////////////////////////////////////////////////////////////////////
	// Processors
	//////////////////////////////////////////////////////////////////////////
	env, err := processor.NewEnvironment(repo, proxy, processor.EnvironmentConfig{
		WorkingDir:   config.WorkingDirectory,
		KeepJobFiles: config.KeepJobFiles,
		CacheSize:    config.ProcessorCacheSize,
	})
	if err != nil {
		return err
	}
	registry, err := createRegistry(config, env)
	if err != nil {
		return err
	}

	//////////////////////////////////////////////////////////////////////////
	// Worker
	//////////////////////////////////////////////////////////////////////////
	instance := config.InstanceName
	if instance == "" {
		hostname, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", hostname, util.NewULID())
	}
	log.Infof("Running as orchestrator instance %s", instance)
	worker := NewWorker(env, registry, instance, clock.RealClock{})
	taskManager := task.NewBackgroundTaskManager("orchestrator_", prometheus.DefaultRegisterer)
	notify := taskManager.Register(func() {
		if processed := worker.RescanEvents(ctx); processed > 0 {
			ctx.Log.Debugf("Processed %d events", processed)
		}
	}, config.PollInterval, "rescan_events")
	defer func() {
		if timedOut := taskManager.StopAll(10 * time.Second); timedOut {
			log.Warn("Event rescan did not stop in time")
		}
	}()

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	scheduler, err := scheduling.New(config.Schedules, registry, repo, env.StateMachine, clock.RealClock{})
	if err != nil {
		return errors.WithMessage(err, "invalid schedules")
	}
	g.Go(func() error { return scheduler.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Http
	//////////////////////////////////////////////////////////////////////////
	srv := server.NewServer(repo, env.StateMachine, registry, notify)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, srv.Router(health.NewMultiChecker(checker)))
	defer shutdownHttpServer()
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	return g.Wait()
}

func openRepository(ctx *orchcontext.Context, config configuration.OrchestratorConfiguration) (database.Repository, health.Checker, func(), error) {
	switch config.Repository {
	case configuration.RepositoryPostgres:
		log.Info("Connecting to postgres")
		db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, nil, errors.WithMessage(err, "error migrating the database")
		}
		batchSize := config.EventBatchSize
		if batchSize == 0 {
			batchSize = defaultEventBatchSize
		}
		return database.NewPostgresRepository(db, batchSize, claimTimeout(config)), pingChecker(ctx, db), db.Close, nil
	case configuration.RepositoryMemory:
		log.Warn("Using the in-memory repository, jobs will be lost on restart")
		repo, err := jobdb.NewRepository(clock.RealClock{})
		if err != nil {
			return nil, nil, nil, err
		}
		return repo.WithEventClaimTimeout(claimTimeout(config)), health.CheckerFunc(func() error { return nil }), func() {}, nil
	default:
		return nil, nil, nil, errors.Errorf("%s is not a valid repository", config.Repository)
	}
}

func claimTimeout(config configuration.OrchestratorConfiguration) time.Duration {
	if config.EventClaimTimeout <= 0 {
		return database.DefaultEventClaimTimeout
	}
	return config.EventClaimTimeout
}

func pingChecker(ctx *orchcontext.Context, db *pgxpool.Pool) health.Checker {
	return health.CheckerFunc(func() error {
		pingCtx, cancel := orchcontext.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return errors.WithMessage(db.Ping(pingCtx), "postgres")
	})
}

func createExecutorProxy(config configuration.ExecutorConfig) (executor.ExecutorProxy, func(), error) {
	switch config.Type {
	case configuration.ExecutorRedis:
		log.Infof("Sending executor commands to redis list %s", config.Redis.CommandList)
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    config.Redis.Addrs,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		closeClient := func() {
			if err := client.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warn("Redis client didn't close down cleanly")
			}
		}
		proxy := executor.NewRetryingProxy(executor.NewRedisProxy(client, config.Redis.CommandList), config.RetryAttempts, config.RetryDelay)
		return proxy, closeClient, nil
	case configuration.ExecutorLog:
		log.Warn("Executor commands will only be logged")
		return executor.LogProxy{}, func() {}, nil
	default:
		return nil, nil, errors.Errorf("%s is not a valid executor type", config.Type)
	}
}

// createRegistry registers a handler for every enabled processor.
func createRegistry(config configuration.OrchestratorConfiguration, env *processor.Environment) (*processor.Registry, error) {
	registry := processor.NewRegistry()
	for _, p := range config.EnabledProcessors() {
		proc := processor.Processor{Id: p.Id, Name: p.Name, ShortName: p.ShortName}
		var handler processor.Handler
		switch p.ShortName {
		case "lai":
			handler = lai.NewHandler(proc, env, *config.Lai)
		case "composite":
			handler = composite.NewHandler(proc, env, *config.Composite)
		default:
			return nil, errors.Errorf("no handler for processor %s", p.ShortName)
		}
		if err := registry.Register(proc, handler); err != nil {
			return nil, err
		}
		log.Infof("Handling jobs of processor %d (%s)", proc.Id, proc.Name)
	}
	return registry, nil
}
