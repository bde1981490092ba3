package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/config"
	"github.com/curacare/fulfillment/internal/adapter/handler"
	"github.com/curacare/fulfillment/internal/adapter/notifier"
	"github.com/curacare/fulfillment/internal/adapter/storage"
	"github.com/curacare/fulfillment/internal/adapter/trace"
	"github.com/curacare/fulfillment/internal/core/service"
	"github.com/curacare/fulfillment/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		catalog  port.CatalogRepository
		patients port.PatientRepository
		orders   port.OrderRepository
		cache    port.InventoryCache
	)

	var closers []func()

	if cfg.Sandbox {
		// Sandbox mode: seeded in-memory stores, no external services.
		mem := storage.NewMemoryAdapter()
		mem.Seed()
		memCache := storage.NewMemoryCache()
		catalog, patients, orders, cache = mem, mem, mem, memCache
		log.Info().Msg("running in sandbox mode with seeded in-memory stores")
	} else {
		db, err := sqlx.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open mysql")
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping mysql")
		}
		log.Info().Msg("connected to mysql")

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		log.Info().Msg("connected to redis")

		mysqlAdapter := storage.NewMySQLAdapter(db)
		catalog, patients, orders = mysqlAdapter, mysqlAdapter, mysqlAdapter
		cache = storage.NewRedisAdapter(rdb)
		closers = append(closers, func() { rdb.Close() }, func() { db.Close() })
	}

	// Warm the hot stock counters from the catalog.
	meds, err := catalog.ListMedicines(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load catalog")
	}
	for _, med := range meds {
		if err := cache.SetStock(ctx, med.ID, med.StockQty); err != nil {
			log.Fatal().Err(err).Str("medicine_id", med.ID).Msg("failed to warm stock counter")
		}
	}
	log.Info().Int("medicines", len(meds)).Msg("stock counters warmed")

	recorder := trace.NewRecorder(log, cfg.MaxTraces)
	warehouse := notifier.NewWebhookNotifier(cfg.WarehouseURL, cfg.DispatchTimeout, log)

	dispatchQueue := service.NewDispatchQueue(warehouse, orders, cache, cfg.QueueSize, cfg.DispatchTimeout, log)
	dispatchQueue.Start(cfg.DispatchWorkers)
	log.Info().Int("workers", cfg.DispatchWorkers).Msg("dispatch workers started")

	orch := service.NewOrchestrator(catalog, patients, orders, cache, recorder, dispatchQueue,
		service.OrchestratorConfig{
			EstimatedDeliveryDays: cfg.DeliveryDays,
			ConfirmTTL:            cfg.ConfirmTTL,
		}, log)
	refills := service.NewRefillService(orders, catalog, patients)

	// Background maintenance: reconciliation sweep and run expiry.
	go func() {
		ticker := time.NewTicker(cfg.ReconcileEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := dispatchQueue.Reconcile(ctx, cfg.DispatchTimeout*2); err != nil {
					log.Error().Err(err).Msg("reconciliation sweep failed")
				}
				orch.PruneExpired()
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())

	h := handler.NewHTTPHandler(orch, refills, dispatchQueue, catalog, recorder, log)
	h.Register(e)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("http server listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	log.Info().Msg("http server stopped")

	dispatchQueue.Close()
	log.Info().Msg("dispatch workers stopped")

	for _, closeFn := range closers {
		closeFn()
	}
	log.Info().Msg("connections closed")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w = zerolog.ConsoleWriter{Out: os.Stdout}
	if cfg.Env == "production" {
		return zerolog.New(os.Stdout).Level(level).With().
			Timestamp().Str("service", "fulfillment").Logger()
	}
	return zerolog.New(w).Level(level).With().
		Timestamp().Str("service", "fulfillment").Logger()
}
