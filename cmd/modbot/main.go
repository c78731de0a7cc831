package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"modbot/internal/config"
	"modbot/internal/domain"
	"modbot/internal/metrics"
	"modbot/internal/premod"
	"modbot/internal/sender"
	"modbot/internal/store"
	"modbot/internal/telegram"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "modbot",
		Short: "modbot: Telegram group premoderation bot",
		Long:  "modbot holds messages posted in a monitored group until a moderator accepts or declines them.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.modbot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(modCmd())
	root.AddCommand(tagCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Telegram.Token = "${MODBOT_TOKEN}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (polling + expiry + metrics)",
		Long:  "Connects to Telegram, starts the premoderation update loop and the record expiry ticker. Press Ctrl+C to stop.",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}

	deliveryTimeout := time.Duration(cfg.Premoderation.DeliveryTimeoutSeconds) * time.Second
	gateway := telegram.NewGateway(api, cfg.Telegram.ParseMode, logger)
	engine := premod.New(premod.Config{
		Store:           db.Messages,
		Roster:          db.Roster,
		Gateway:         gateway,
		Resolver:        sender.NewResolver(logger),
		Logger:          logger,
		KeepResolved:    cfg.Storage.KeepResolved,
		DeliveryTimeout: deliveryTimeout,
	})

	if err := engine.SyncMetrics(ctx); err != nil {
		logger.Warn("cannot seed metrics from store", "err", err)
	}
	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}
	if cfg.Premoderation.ExpireAfterHours > 0 {
		go runExpiry(ctx, engine, time.Duration(cfg.Premoderation.ExpireAfterHours)*time.Hour)
	}

	bot := telegram.NewBot(api, telegram.BotConfig{
		Engine:      engine,
		Roster:      db.Roster,
		Tags:        db.Tags,
		Logger:      logger,
		WatchedChat: cfg.Telegram.WatchedChat,
		Bootstrap:   cfg.Telegram.BootstrapModerators,
	})
	logger.Info("modbot starting", "version", version, "watched_chat", cfg.Telegram.WatchedChat)
	return bot.Start(ctx)
}

// runExpiry periodically force-declines records stuck in review.
func runExpiry(ctx context.Context, engine *premod.Engine, horizon time.Duration) {
	interval := horizon / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpireStale(ctx, horizon)
			if err != nil {
				logger.Error("expiry sweep failed", "err", err)
			} else if n > 0 {
				logger.Info("expired stale records", "count", n)
			}
		}
	}
}

func serveMetrics(ctx context.Context, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics endpoint listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending records and roster size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := store.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			pending, err := db.Messages.ListByState(ctx, domain.StateInProcess)
			if err != nil {
				return err
			}
			mods, err := db.Roster.List(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pending records: %d\n", len(pending))
			for _, rec := range pending {
				fmt.Printf("  %s  %s  since %s\n", rec.ID, rec.Type, rec.CreatedAt.Format(time.RFC3339))
			}
			fmt.Printf("Moderators: %d\n", len(mods))
			return nil
		},
	}
}

func modCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mod",
		Short: "Manage the moderator roster",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List moderators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				mods, err := db.Roster.List(ctx)
				if err != nil {
					return err
				}
				for _, m := range mods {
					fmt.Printf("%d\t@%s\t%s\t%s\n", m.ID, m.Username, m.Fullname, m.Signature)
				}
				return nil
			}, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [id] [username] [signature...]",
		Short: "Add a moderator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("moderator id must be numeric: %q", args[0])
			}
			mod := domain.Moderator{ID: id}
			if len(args) > 1 {
				mod.Username = strings.TrimPrefix(args[1], "@")
			}
			if len(args) > 2 {
				mod.Signature = strings.Join(args[2:], " ")
			}
			return withStore(func(ctx context.Context, db *store.DB) error {
				return db.Roster.Add(ctx, mod)
			}, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [id|@username]",
		Short: "Remove a moderator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
					return db.Roster.Remove(ctx, id)
				}
				return db.Roster.RemoveByUsername(ctx, strings.TrimPrefix(args[0], "@"))
			}, cmd)
		},
	})

	return cmd
}

func tagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage post tags",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				tags, err := db.Tags.List(ctx)
				if err != nil {
					return err
				}
				for _, tag := range tags {
					fmt.Println(tag)
				}
				return nil
			}, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [tag]",
		Short: "Add a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				return db.Tags.Add(ctx, args[0])
			}, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [tag]",
		Short: "Remove a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db *store.DB) error {
				return db.Tags.Remove(ctx, args[0])
			}, cmd)
		},
	})

	return cmd
}

// withStore opens the configured database for one CLI operation.
func withStore(fn func(context.Context, *store.DB) error, cmd *cobra.Command) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return fn(cmd.Context(), db)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
