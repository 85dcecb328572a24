package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"launchpad/cmd/launchd/config"
	launchdb "launchpad/internal/db/launch"
	"launchpad/internal/launch"
	"launchpad/internal/launch/saga"
	"launchpad/internal/ledger"
	"launchpad/internal/observability"
	"launchpad/internal/reliability"
	"launchpad/internal/remote"
	"launchpad/internal/statussync"

	"github.com/redis/go-redis/v9"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStorage selects the history backend. redisClient may be nil unless the
// backend is redis.
func buildStorage(ctx context.Context, cfg config.StorageConfig, redisClient *redis.Client, prefix string) (launch.Storage, func(), error) {
	switch cfg.Backend {
	case config.StorageRedis:
		if redisClient == nil {
			return nil, nil, errors.New("STORAGE_BACKEND=redis requires REDIS_URL")
		}
		return launch.NewRedisStorage(redisClient, prefix), func() {}, nil
	case config.StorageSQLite:
		store, err := launchdb.OpenSQLiteStorage(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("close sqlite: %v", err)
			}
		}, nil
	default:
		return launch.NewMemoryStorage(), func() {}, nil
	}
}

// postgresStores are the optional Postgres-backed journal and status log.
type postgresStores struct {
	journal   saga.Journal
	statusLog *launchdb.PostgresStatusLog
}

// buildPostgres falls back to a no-op journal when no DSN is configured.
func buildPostgres(ctx context.Context, dsn string) (postgresStores, func(), error) {
	if dsn == "" {
		return postgresStores{journal: saga.NopJournal{}}, func() {}, nil
	}
	db, err := openDB("pgx", dsn)
	if err != nil {
		return postgresStores{}, nil, err
	}
	journal, err := launchdb.NewPostgresJournalWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return postgresStores{}, nil, err
	}
	statusLog, err := launchdb.NewPostgresStatusLogWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return postgresStores{}, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("close launch db: %v", err)
		}
	}
	return postgresStores{journal: journal, statusLog: statusLog}, cleanup, nil
}

// newGuard builds the limiter/breaker/retry trio for one collaborator.
// Only transient failures count against the breaker.
func newGuard(name string, cfg config.ReliabilityConfig, metrics *observability.Metrics, logf func(string, ...any)) *reliability.Guard {
	return &reliability.Guard{
		Limiter: reliability.NewLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst, metrics.AddRateLimitWait),
		Breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerFailures,
			ResetTimeout: cfg.BreakerReset,
			IsFailure:    reliability.Transient,
		}),
		Retry: reliability.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			ShouldRetry: launch.IsTransient,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				logf("%s retry attempt=%d delay=%v: %v", name, attempt+1, delay, err)
			},
		},
	}
}

// collaborators are the remote systems the engines talk to, already guarded.
type collaborators struct {
	ledger   ledger.Client
	deployer launch.DeploymentClient
	fees     launch.FeeOracle
	status   statussync.StatusReader
}

// buildCollaborators uses the HTTP clients for every configured URL and the
// in-process stand-ins otherwise.
func buildCollaborators(remoteCfg config.RemoteConfig, launchCfg config.LaunchConfig, relCfg config.ReliabilityConfig, metrics *observability.Metrics, logf func(string, ...any)) (collaborators, error) {
	var out collaborators

	var baseLedger ledger.Client
	if remoteCfg.LedgerURL != "" {
		baseLedger = remote.NewLedgerClient(remote.New(remoteCfg.LedgerURL, remoteCfg.Bearer, remoteCfg.Timeout))
	} else {
		logf("LEDGER_URL not set; using in-memory ledger for owner=%s", launchCfg.Owner)
		baseLedger = launch.NewInMemoryLedger(launchCfg.Owner)
	}

	var baseDeployer launch.DeploymentClient
	if remoteCfg.DeployerURL != "" {
		baseDeployer = remote.NewDeployerClient(remote.New(remoteCfg.DeployerURL, remoteCfg.Bearer, remoteCfg.Timeout))
	} else {
		logf("DEPLOYER_URL not set; using in-memory deployer")
		baseDeployer = launch.NewInMemoryDeployer()
	}

	var baseFees launch.FeeOracle
	if remoteCfg.FeeURL != "" {
		baseFees = remote.NewFeeClient(remote.New(remoteCfg.FeeURL, remoteCfg.Bearer, remoteCfg.Timeout))
	} else {
		fees, err := config.LoadFeeSchedule(launchCfg.FeeSchedulePath)
		if err != nil {
			return out, err
		}
		baseFees = launch.NewStaticFeeOracle(fees)
	}

	var baseStatus statussync.StatusReader
	if remoteCfg.StatusURL != "" {
		baseStatus = remote.NewStatusClient(remote.New(remoteCfg.StatusURL, remoteCfg.Bearer, remoteCfg.Timeout))
	} else {
		logf("STATUS_URL not set; entity status reads report not found")
		baseStatus = statussync.ReaderFunc(func(context.Context, string) (statussync.EntityDetail, error) {
			return statussync.EntityDetail{}, statussync.ErrNotFound
		})
	}

	out.ledger = launch.NewReliableLedger(baseLedger, newGuard("ledger", relCfg, metrics, logf), metrics)
	out.deployer = launch.NewReliableDeployer(baseDeployer, newGuard("deployer", relCfg, metrics, logf), metrics)
	out.fees = launch.NewReliableFeeOracle(baseFees, newGuard("fees", relCfg, metrics, logf), metrics)
	out.status = guardedReader(baseStatus, newGuard("status", relCfg, metrics, logf))
	return out, nil
}

// guardedReader keeps "not found" out of the retry and breaker accounting.
func guardedReader(base statussync.StatusReader, guard *reliability.Guard) statussync.StatusReader {
	return statussync.ReaderFunc(func(ctx context.Context, id string) (statussync.EntityDetail, error) {
		var detail statussync.EntityDetail
		var notFound bool
		err := guard.Do(ctx, func() error {
			d, err := base.Detail(ctx, id)
			if errors.Is(err, statussync.ErrNotFound) {
				notFound = true
				return nil
			}
			detail = d
			return err
		})
		if err == nil && notFound {
			return statussync.EntityDetail{}, statussync.ErrNotFound
		}
		return detail, err
	})
}

func syncConfig(cfg config.SyncConfig, metrics *observability.Metrics, logf func(string, ...any)) statussync.Config {
	return statussync.Config{
		FastInterval:   cfg.FastInterval,
		SlowInterval:   cfg.SlowInterval,
		ErrorBackoff:   cfg.ErrorBackoff,
		HealthInterval: cfg.HealthInterval,
		PollTimeout:    cfg.PollTimeout,
		ErrorCeiling:   cfg.ErrorCeiling,
		Logf:           logf,
		Metrics:        metrics,
	}
}
