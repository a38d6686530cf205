package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/barricade/ban-sync/internal/admin"
	"github.com/barricade/ban-sync/internal/ban"
	"github.com/barricade/ban-sync/internal/community"
	"github.com/barricade/ban-sync/internal/config"
	"github.com/barricade/ban-sync/internal/database"
	"github.com/barricade/ban-sync/internal/engine"
	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/logging"
	"github.com/barricade/ban-sync/internal/messaging"
	"github.com/barricade/ban-sync/internal/report"
	"github.com/barricade/ban-sync/internal/rest"
)

func main() {
	configPath := flag.String("config", config.DefaultFile, "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bansync: exiting", zap.Error(err))
	}
}

type stores struct {
	bans      integration.BanStore
	responses engine.ResponseChecker
	configs   integration.ConfigStore
	reports   integration.ReportChecker
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]admin.Check{}

	// --- Postgres ---
	var st stores
	if cfg.Postgres.DSN != "" {
		db, err := database.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(db); err != nil {
			return err
		}
		bans := ban.NewStore(db)
		st = stores{bans: bans, responses: bans, configs: community.NewStore(db), reports: report.NewStore(db)}
		checks["postgres"] = db.PingContext
		logger.Info("bansync: using postgres")
	} else {
		bans := ban.NewMemoryStore()
		st = stores{bans: bans, responses: bans, configs: community.NewMemoryStore(), reports: report.NewMemoryStore()}
		logger.Warn("bansync: no postgres dsn, records are kept in memory")
	}

	// --- Redis ---
	var rdb *redis.Client
	var throttle integration.AlertThrottle
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		throttle = report.NewThrottle(rdb, report.RuleAlert, logger)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	reports := report.NewCache(rdb, st.reports, report.DefaultCacheTTL, logger)

	// --- NATS ---
	var notifier integration.Notifier = messaging.LogNotifier{Logger: logger}
	var bridge *messaging.Bridge
	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		bridge = messaging.NewBridge(nc, logger)
		notifier = bridge
		checks["nats"] = func(context.Context) error {
			if !nc.Connected() {
				return errors.New("not connected")
			}
			return nil
		}
	} else {
		logger.Warn("bansync: no nats url, notifications are only logged")
	}

	// --- Engine ---
	eng := engine.New(engine.Options{
		Bans:          st.bans,
		Responses:     st.responses,
		Configs:       st.configs,
		Reports:       reports,
		Forget:        reports,
		Throttle:      throttle,
		Notifier:      notifier,
		Redis:         rdb,
		REST:          rest.New("", cfg.REST, logger),
		Transport:     cfg.Transport,
		RPC:           cfg.RPC,
		Battlemetrics: cfg.Battlemetrics,
		Sync:          cfg.Sync,
		Logger:        logger,
	})
	defer eng.Close()

	if err := eng.Load(ctx); err != nil {
		return err
	}
	if bridge != nil {
		if err := bridge.SubscribeReports(eng); err != nil {
			return err
		}
		if err := bridge.SubscribeResponses(eng); err != nil {
			return err
		}
	}

	// --- Admin ---
	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.SetupRoutes(eng.Registry(), checks),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("bansync: admin listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("bansync: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
