package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/gateway"
	"parley/internal/http"
	"parley/internal/presence"
	"parley/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "User id to create or update")
	displayName := flags.String("display-name", "", "Display name for -add-user")
	addCommunity := flags.String("add-community", "", "Community id to create or update")
	members := flags.String("members", "", "Comma separated member ids for -add-community")
	stats := flags.Bool("stats", false, "Print gateway statistics of a running server")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *addCommunity != "" || *stats
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *addUser != "":
		return commands.AddUser(*addUser, *displayName, cfg)
	case *addCommunity != "":
		return commands.AddCommunity(*addCommunity, *members, cfg)
	case *stats:
		return commands.Stats(cfg)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	var (
		presenceStore presence.Store     = bbStorage
		users         gateway.UserFinder = bbStorage
	)
	if cfg.RedisAddr != "" {
		redisPresence, err := storage.NewRedisPresence(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = redisPresence.Close() }()
		presenceStore = redisPresence
		users = storage.NewRedisUsers(bbStorage, redisPresence)
		slog.Info("presence stored in redis", "addr", cfg.RedisAddr)
	}

	gw := gateway.New(ctx, gateway.Config{
		Users:        users,
		Presence:     presenceStore,
		Messages:     bbStorage,
		Members:      bbStorage,
		OutboxSize:   cfg.OutboxSize,
		UserCacheTTL: cfg.UserCacheTTL,
	})

	adminServer := http.NewAdminServer(bbStorage, users, gw, cfg.AdminAddr)
	apiServer := http.NewAPIServer(gw, http.APIConfig{
		Addr:          cfg.APIAddr,
		AllowedOrigin: cfg.AllowedOrigin,
		PingInterval:  cfg.PingInterval,
	})

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
