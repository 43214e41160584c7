package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"bria-engine/internal/api"
	"bria-engine/internal/catalog"
	"bria-engine/internal/config"
	"bria-engine/internal/database"
	"bria-engine/internal/engine"
	"bria-engine/internal/feed"
	"bria-engine/internal/logging"
	"bria-engine/internal/metrics"
	"bria-engine/internal/notify"
	"bria-engine/internal/store"
	"bria-engine/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "bria-engine",
		Usage: "staking accrual and referral reward engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "env file with configuration",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides LOG_LEVEL",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the expiry worker",
				Action: serve,
			},
			{
				Name:   "sweep",
				Usage:  "expire machines past their lifetime and exit",
				Action: sweep,
			},
			{
				Name:   "audit",
				Usage:  "verify cached balances against the persisted ledger",
				Action: audit,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatalf("fail to run %s", app.Name)
	}
}

type services struct {
	cfg      *config.Config
	engine   *engine.Engine
	registry *prometheus.Registry
	redis    *redis.Client
	expiry   worker.ExpiryNotifier
	closers  []func()
}

func (r *services) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// setup loads configuration and restores the engine from PostgreSQL. Redis
// and Telegram are wired only when withSideChannels is set.
func setup(ctx context.Context, cctx *cli.Context, withSideChannels bool) (*services, error) {
	cfg, err := config.LoadConfig(cctx.String("env-file"))
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if cctx.IsSet("log-level") {
		level = cctx.String("log-level")
	}
	if err := logging.Configure(level); err != nil {
		return nil, err
	}

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.Load(cfg.CatalogFile); err != nil {
			return nil, err
		}
	}
	schedule, err := engine.ParseSchedule(cfg.BonusSchedule)
	if err != nil {
		return nil, err
	}

	rt := &services{cfg: cfg, registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		rt.closers = append(rt.closers, func() { sqlDB.Close() })
	}
	st := store.NewStore(db)

	opts := engine.Options{
		Catalog:          cat,
		Schedule:         &schedule,
		MachineSaleBonus: cfg.MachineSaleBonus,
		Journal:          st,
		Metrics:          metrics.New(rt.registry),
		LockTimeout:      cfg.LockTimeout,
		CommitTimeout:    cfg.CommitTimeout,
	}

	if withSideChannels {
		var expiry worker.ExpiryNotifier
		rdb, err := database.ConnectRedis(ctx, cfg)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { rdb.Close() })
		opts.Feed = feed.NewRedis(rdb, cfg.ActivityFeedSize, cfg.ActivityRetention)

		if cfg.BotToken != "" {
			tg, err := notify.NewTelegram(cfg.BotToken)
			if err != nil {
				rt.Close()
				return nil, err
			}
			opts.Notifier = tg
			expiry = tg
		} else {
			log.Warn("TELEGRAM_BOT_TOKEN is empty, notifications disabled")
		}

		rt.redis = rdb
		rt.expiry = expiry
	}

	e, err := engine.New(opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	snap, err := st.Load(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := e.Restore(snap); err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "restore engine state")
	}
	rt.engine = e
	return rt, nil
}

func startWorker(ctx context.Context, chk *worker.Checker) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		chk.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func serve(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, cctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	chk := worker.NewChecker(rt.engine, rt.redis, rt.expiry, rt.cfg.SweepInterval)
	rt.closers = append(rt.closers, startWorker(ctx, chk))

	srv := &http.Server{
		Addr:              ":" + rt.cfg.HTTPPort,
		Handler:           api.NewServer(rt.engine, rt.cfg.AllowedCIDRs, rt.registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func sweep(cctx *cli.Context) error {
	rt, err := setup(cctx.Context, cctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	swept, err := rt.engine.SweepExpired(cctx.Context)
	if err != nil {
		return err
	}
	log.WithField("count", len(swept)).Info("Sweep finished")
	return nil
}

func audit(cctx *cli.Context) error {
	rt, err := setup(cctx.Context, cctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.Audit(); err != nil {
		return errors.Wrap(err, "audit failed")
	}
	log.WithField("entries", len(rt.engine.Entries(1))).Info("Ledger audit passed")
	return nil
}
