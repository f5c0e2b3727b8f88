// Package main provides the main entry point for the dispatch execution engine
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	businessflow "github.com/outboundlabs/dispatchd/business_flow"

	"github.com/outboundlabs/dispatchd/app/handlers"
	"github.com/outboundlabs/dispatchd/app/router"
	"github.com/outboundlabs/dispatchd/app/scheduler"
	"github.com/outboundlabs/dispatchd/app/services"
	"github.com/outboundlabs/dispatchd/app/worker"
	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/repository"
)

// Application holds the assembled components and their stop hooks
type Application struct {
	router    router.Router
	config    *config.Config
	stopFuncs []func()
}

func main() {
	log.Println("Starting dispatchd...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down gracefully...")

	// Stop background workers first so in-flight ticks and queued
	// ingestion tails drain before the process exits
	for _, fn := range app.stopFuncs {
		fn()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.router.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor starts a background goroutine that periodically pings Redis
// to detect connectivity issues. The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeApplication wires the repositories, services, flows, and
// background workers together
func initializeApplication(cfg *config.Config) (*Application, error) {
	var stopFuncs []func()

	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		cancel := startCacheHealthMonitor(context.Background(), rc, cfg.Cache.HealthInterval)
		stopFuncs = append(stopFuncs, cancel)
	}

	// Repositories
	dispatchRepo := repository.NewDispatchRepository(db)
	recipientRepo := repository.NewRecipientRepository(db)

	// External collaborators
	schedLogger := scheduler.NewSchedulerLogger(cfg.Logging)
	relayClient := services.NewRelayClient(cfg.Relay, schedLogger)
	channelService := services.NewChannelService(cfg.Channel, rc, cfg.Cache.RedisPrefix)

	// Background worker pool for asynchronous ingestion tails
	pool := worker.NewPool(cfg.Ingestion.WorkerPoolSize, cfg.Ingestion.WorkerPoolSize*4, schedLogger)
	pool.Start()
	stopFuncs = append(stopFuncs, pool.Stop)

	// Business flows
	dispatchFlow := businessflow.NewDispatchFlow(dispatchRepo, recipientRepo, schedLogger)
	ingestFlow := businessflow.NewIngestFlow(dispatchRepo, recipientRepo, pool, &cfg.Ingestion, schedLogger)

	// Runner + scheduler
	runner := scheduler.NewDispatchRunner(dispatchRepo, recipientRepo, relayClient, channelService, schedLogger)
	sched := scheduler.NewDispatchScheduler(runner, dispatchRepo, cfg.Scheduler, schedLogger)
	sched.Start()
	stopFuncs = append(stopFuncs, sched.Stop)

	// HTTP layer
	dbPing := func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	var cachePing func(ctx context.Context) error
	if rc != nil {
		cachePing = func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		}
	}

	dispatchHandler := handlers.NewDispatchHandler(
		dispatchFlow, ingestFlow, sched, relayClient, dbPing, cachePing, schedLogger)
	fiberRouter := router.NewFiberRouter(dispatchHandler, cfg)

	return &Application{
		router:    fiberRouter,
		config:    cfg,
		stopFuncs: stopFuncs,
	}, nil
}
