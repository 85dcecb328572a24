package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"launchpad/cmd/launchd/config"
	"launchpad/internal/launch"
	"launchpad/internal/observability"
	"launchpad/internal/realtime"
	"launchpad/internal/reliability"
	"launchpad/internal/statussync"

	"github.com/redis/go-redis/v9"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("launchd error: %v", err)
	}
}

func run(ctx context.Context) error {
	logf := log.Printf

	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	storageCfg, err := config.LoadStorage()
	if err != nil {
		return err
	}
	remoteCfg, err := config.LoadRemote()
	if err != nil {
		return err
	}
	launchCfg, err := config.LoadLaunch()
	if err != nil {
		return err
	}
	syncCfg, err := config.LoadSync()
	if err != nil {
		return err
	}
	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	var redisClient *redis.Client
	var redisCfg config.RedisConfig
	if config.RedisConfigured() {
		if redisCfg, err = config.LoadRedis(); err != nil {
			return err
		}
		if redisClient, err = buildRedisClient(ctx, redisCfg); err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logf("close redis: %v", err)
			}
		}()
	}

	storage, cleanupStorage, err := buildStorage(ctx, storageCfg, redisClient, redisCfg.KeyPrefix)
	if err != nil {
		return err
	}
	defer cleanupStorage()

	pg, cleanupPG, err := buildPostgres(ctx, storageCfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer cleanupPG()

	deps, err := buildCollaborators(remoteCfg, launchCfg, relCfg, metrics, logf)
	if err != nil {
		return err
	}

	calculator, err := launch.NewCostCalculator(deps.fees, launchCfg.PlatformFeeRate)
	if err != nil {
		return err
	}
	gate := launch.NewPendingGate(launchCfg.QuoteTTL)
	history := launch.NewHistoryLog(storage, logf)
	engine, err := launch.NewEngine(calculator, gate, deps.ledger, deps.deployer, history, launch.EngineConfig{
		ApprovalTTL: launchCfg.ApprovalTTL,
		Logf:        logf,
		Metrics:     metrics,
		Journal:     pg.journal,
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logf)
	go hub.Run()
	defer hub.Close()

	syncEngine, err := statussync.NewEngine(deps.status, syncConfig(syncCfg, metrics, logf))
	if err != nil {
		return err
	}
	if err := syncEngine.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = syncEngine.Close() }()

	// Every tracked entity fans out to websockets, and to Redis and Postgres when configured.
	sinks := []statussync.Callback{hub.StatusCallback()}
	if redisClient != nil {
		sinks = append(sinks, statussync.NewRedisSink(redisClient, redisCfg.Stream, redisCfg.StatusTTL, redisCfg.StreamMaxLen).Callback(time.Second, logf))
	}
	if pg.statusLog != nil {
		sinks = append(sinks, pg.statusLog.Callback(time.Second, logf))
	}
	tracker := &fanoutTracker{engine: syncEngine, callbacks: sinks, logf: logf}

	handlers := &api{
		baseCtx:  ctx,
		engine:   engine,
		gate:     gate,
		history:  history,
		sync:     tracker,
		hub:      hub,
		metrics:  metrics,
		defaults: launchCfg,
		logf:     logf,
	}
	httpSrv := &http.Server{
		Addr:              serverCfg.HTTPAddr,
		Handler:           handlers.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var limiter rateLimiter
	if l := reliability.NewLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait); l != nil {
		limiter = l
	}
	grpcSrv, healthServer := newGRPCServer(limiter, metrics, serverCfg.AppEnv, logf)
	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logf("launchd serving http=%s grpc=%s storage=%s", serverCfg.HTTPAddr, serverCfg.GRPCAddr, storageCfg.Backend)

	select {
	case <-ctx.Done():
		setServing(healthServer, healthpb.HealthCheckResponse_NOT_SERVING)
		inflight := int64(0)
		if engine.Paying() {
			inflight = 1
		}
		metrics.MarkShutdown(inflight)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
		defer cancel()
		shutdownErr := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return errors.Join(shutdownErr, syncEngine.Close())
	case err := <-errCh:
		return err
	}
}
