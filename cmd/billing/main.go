package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/mapsheet/internal/auth"
	"github.com/dukerupert/mapsheet/internal/billing/lock"
	"github.com/dukerupert/mapsheet/internal/billing/model"
	"github.com/dukerupert/mapsheet/internal/billing/plan"
	"github.com/dukerupert/mapsheet/internal/billing/server"
	"github.com/dukerupert/mapsheet/internal/config"
	"github.com/dukerupert/mapsheet/internal/database"
	"github.com/dukerupert/mapsheet/internal/logging"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		os.Exit(hashToken(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		slog.Error("billing service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	catalog, err := buildCatalog(cfg.Plans)
	if err != nil {
		return err
	}
	for _, t := range catalog.Tiers() {
		logger.Info("plan loaded", "plan_id", t.PlanID, "quota", t.MonthlyQuota, "price", t.PriceReference)
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLocker(cfg.RedisURL, logger.With("component", "lock"))
		if err != nil {
			return err
		}
		defer rl.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = rl.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = rl
		logger.Info("using redis for customer locks")
	}

	srv := server.New(db, catalog, locker, server.Config{
		WebhookSecret:    cfg.WebhookSecret,
		WebhookTimeout:   cfg.WebhookTimeout,
		PastDueGrace:     cfg.PastDueGrace,
		EventRetention:   cfg.EventRetention,
		ServiceTokenHash: cfg.ServiceTokenHash,
		CheckRateLimit:   cfg.CheckRateLimit,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("billing service starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := srv.Cleanup(ctx, time.Now()); err != nil {
					logger.Error("cleanup", "error", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildCatalog prefers the YAML file and otherwise uses the two env tiers.
func buildCatalog(pc config.PlansConfig) (*plan.Catalog, error) {
	if pc.File != "" {
		c, err := plan.LoadFile(pc.File)
		if err != nil {
			return nil, fmt.Errorf("load plans file: %w", err)
		}
		return c, nil
	}
	c, err := plan.New([]model.PlanTier{
		{PlanID: "lite", Name: "Lite", MonthlyQuota: pc.LiteQuota, PriceReference: pc.LitePriceID},
		{PlanID: "standard", Name: "Standard", MonthlyQuota: pc.StandardQuota, PriceReference: pc.StandardPriceID},
	}, pc.FreeQuota)
	if err != nil {
		return nil, fmt.Errorf("build plan catalog: %w", err)
	}
	return c, nil
}

func hashToken(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: billing hash-token <token>")
		return 2
	}
	hash, err := auth.HashToken(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
