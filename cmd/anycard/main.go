// Package main is the entrypoint for the anycard server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/cache"
	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/config"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/links"
	"github.com/anycard/anycard-go/internal/logutil"
	"github.com/anycard/anycard-go/internal/server"
	"github.com/anycard/anycard-go/internal/sharing"
	"github.com/anycard/anycard-go/internal/store"

	// Register storage and cache drivers
	_ "github.com/anycard/anycard-go/internal/cache/memory"
	_ "github.com/anycard/anycard-go/internal/cache/redis"
	_ "github.com/anycard/anycard-go/internal/store/fs"
	_ "github.com/anycard/anycard-go/internal/store/relational"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	envFile := flag.String("env-file", ".env", "Path to a dotenv file with ANYCARD_* values (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: prod or dev (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin (overrides config)")
	storageDriver := flag.String("storage-driver", "", "Storage driver: fs, sqlite or postgres (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory for the fs driver (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	reset := flag.Bool("reset", false, "Wipe all stored data and exit")
	genAdminToken := flag.Bool("gen-admin-token", false, "Print a new admin token and its bcrypt hash, then exit")
	flag.Parse()

	if *genAdminToken {
		if err := printAdminToken(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to generate admin token:", err)
			os.Exit(1)
		}
		return
	}

	bootstrapLogger := logutil.NewJSON(slog.LevelInfo)

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		EnvFile:    *envFile,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:     listenAddr,
			PublicOrigin:   publicOrigin,
			StorageDriver:  storageDriver,
			StorageDataDir: dataDir,
			LoggingLevel:   loggingLevel,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logutil.NewJSON(logutil.ParseLevel(cfg.Logging.Level))
	slog.SetDefault(logger)

	logger.Info("effective configuration", "config", cfg.Redacted())

	conn, err := store.New(&store.DriverConfig{
		Driver:  cfg.Storage.Driver,
		DataDir: cfg.Storage.DataDir,
		DSN:     cfg.Storage.DSN,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	if err := conn.Init(context.Background()); err != nil {
		logger.Error("failed to initialize storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *reset {
		if err := conn.Reset(context.Background()); err != nil {
			logger.Error("reset failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("all stored data was reset", "driver", cfg.Storage.Driver)
		return
	}

	cacheClient, err := cache.New(cfg.Cache.Driver, cfg.Cache.Drivers)
	if err != nil {
		logger.Error("failed to create cache", "driver", cfg.Cache.Driver, "error", err)
		os.Exit(1)
	}
	defer cacheClient.Close()

	cardSvc := cards.New(conn, cards.Config{
		Salt:         cfg.Cards.Salt,
		PreviewWidth: cfg.Cards.PreviewSize,
		MaxPixels:    cfg.Limits.MaxImagePixels,
		FilesPrefix:  cfg.Cards.FilesPrefix,
	}, logger)

	handler := api.NewHandler(api.Deps{
		Cards:          cardSvc,
		Sharing:        sharing.New(cardSvc, logger),
		Links:          links.New(conn),
		Admin:          identity.NewAdminAuth(cfg.Auth.AdminTokenHash),
		Reset:          conn.Reset,
		TelegramSecret: cfg.Telegram.Secret,
		RequireLink:    cfg.Auth.RequireTelegramLink,
		FilesPrefix:    cfg.Cards.FilesPrefix,
		Limits: api.Limits{
			MaxUploadBytes: cfg.Limits.MaxUploadBytes,
			MaxCards:       cfg.Limits.MaxCards,
			MaxGroups:      cfg.Limits.MaxGroups,
		},
	}, logger)

	srv, err := server.New(cfg, logger, server.Deps{
		Handler: handler,
		Counter: cacheClient,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	logger.Info("server started", "listen_addr", cfg.ListenAddr, "mode", cfg.Mode)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func printAdminToken() error {
	token, err := identity.GenerateToken()
	if err != nil {
		return err
	}
	hash, err := identity.HashToken(token, 0)
	if err != nil {
		return err
	}
	fmt.Printf("token: %s\nadmin_token_hash: %s\n", token, hash)
	return nil
}
