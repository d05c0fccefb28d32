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

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/config"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/database"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/gameplay"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/players"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/saves"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/server"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/streaks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jigsaw-api",
		Short: "Jigsaw puzzle backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Host session signing secret (overrides env)")
	cmd.PersistentFlags().Int("tolerance", defaults.GetInt("puzzle.tolerance"), "Placement tolerance in grid cells")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "puzzle.tolerance", "tolerance")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newMintSessionCommand() *cobra.Command {
	var request auth.SessionRequest
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint-session",
		Short: "Issue a host session cookie for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), request)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", appConfig.SessionCookieName, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&request.UserID, "user-id", "", "Host user id")
	cmd.Flags().StringVar(&request.Username, "username", "", "Host username")
	cmd.Flags().StringVar(&request.DisplayName, "display-name", "", "Display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Session lifetime (default 12h)")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := kvstore.NewSQLStore(kvstore.SQLStoreConfig{Database: db})
	if err != nil {
		return err
	}

	sessions, err := auth.NewHostSessions(auth.HostSessionConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	playerService, err := players.NewService(players.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	puzzleCatalog, err := catalog.NewService(catalog.ServiceConfig{
		Database:    db,
		MaxGridSize: appConfig.PuzzleMaxGridSize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	gateway, err := saves.NewGateway(saves.GatewayConfig{
		Store:     store,
		Retention: appConfig.SaveTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	feed := server.NewLeaderboardFeed()
	board, err := leaderboard.NewService(leaderboard.ServiceConfig{
		Store:    store,
		Logger:   logger,
		Notifier: feed,
	})
	if err != nil {
		return err
	}
	streakService, err := streaks.NewService(streaks.ServiceConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	manager, err := gameplay.NewManager(gameplay.ManagerConfig{
		Puzzles:     puzzleCatalog,
		Slicer:      puzzle.NewGridSlicer(),
		Saves:       gateway,
		Scores:      board,
		Streaks:     streakService,
		Tolerance:   appConfig.PuzzleTolerance,
		Debounce:    appConfig.SaveDebounce,
		IdleTimeout: appConfig.SessionIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identity:     sessions,
		Players:      playerService,
		Catalog:      puzzleCatalog,
		Gameplay:     manager,
		Saves:        gateway,
		Leaderboard:  board,
		Streaks:      streakService,
		Feed:         feed,
		TopN:         appConfig.LeaderboardTopN,
		PollInterval: appConfig.LeaderboardPollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runJanitor(signalCtx, store, manager, appConfig.StorePurgeInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Warn("flushing play sessions failed", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = manager.Close(closeCtx)
		return err
	}
}

// runJanitor drops expired store entries and evicts idle play sessions until
// ctx ends.
func runJanitor(ctx context.Context, store *kvstore.SQLStore, manager *gameplay.Manager, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		purged, err := store.PurgeExpired(ctx)
		if err != nil {
			logger.Warn("store purge failed", zap.Error(err))
		}
		evicted := manager.EvictIdle(ctx)
		if purged > 0 || evicted > 0 {
			logger.Info("janitor pass", zap.Int64("purged_entries", purged), zap.Int("evicted_sessions", evicted))
		}
	}
}
