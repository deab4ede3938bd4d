package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"amm-sandbox/internal/api"
	"amm-sandbox/internal/config"
	"amm-sandbox/internal/db"
	"amm-sandbox/internal/engine"
	"amm-sandbox/internal/logging"
	"amm-sandbox/internal/metrics"
	"amm-sandbox/internal/notify"
	"amm-sandbox/internal/ws"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "ammd",
	Short:        "Constant-product AMM sandbox server",
	Long:         "ammd hosts in-memory bonding-curve markets for simulated trading over HTTP and WebSocket.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logCloser, err := logging.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	log := logging.Component("main")

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := ws.NewHub()
	sinks := []notify.Sink{hub}

	// Archive
	var archive api.Archive
	if cfg.Archive.DSN != "" {
		store, err := db.Open(cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("archive open: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(cfg.Archive.Migrations); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
		log.Info("order archive enabled")
		sinks = append(sinks, store)
		archive = store
	}

	// NATS
	if cfg.NATS.URL != "" {
		nc, js, err := notify.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		if err := notify.EnsureStream(ctx, js, cfg.NATS.Stream, cfg.NATS.SubjectPrefix); err != nil {
			return err
		}
		sinks = append(sinks, notify.NewNATSSink(js, cfg.NATS.SubjectPrefix))
	}

	notifier := notify.New(cfg.Engine.NotifyBuffer, sinks, notify.WithStats(m))

	mgr := engine.NewManager(engine.Config{
		CommandBuffer: cfg.Engine.CommandBuffer,
		MaxAttempts:   cfg.Generator.MaxAttempts,
		Seed:          cfg.Engine.Seed,
		RunRetention:  cfg.Generator.RunRetention,
		MaxRuns:       cfg.Generator.MaxRuns,
	}, notifier.Publish, engine.WithObserver(m))
	defer mgr.Close()

	markets, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		return err
	}
	for _, params := range markets {
		info, err := mgr.CreateMarket(ctx, params)
		if err != nil {
			return fmt.Errorf("create market %q: %w", params.Key, err)
		}
		log.WithFields(logrus.Fields{"market": info.Key, "price": info.InitialPrice}).Info("market ready")
	}

	opts := api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.TokenTTL,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}
	if cfg.Auth.OperatorPassword != "" {
		if opts.OperatorHash, err = api.HashPassword(cfg.Auth.OperatorPassword); err != nil {
			return fmt.Errorf("hash operator password: %w", err)
		}
	} else {
		log.Warn("auth.operator_password not set, admin routes are open")
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(mgr, hub, archive, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gCtx) })
	g.Go(func() error {
		log.Infof("listening on %s", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")
		hub.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}
