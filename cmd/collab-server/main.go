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

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-server",
		Short: "Realtime collaborative editing server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand(), newCompactCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("persistence-driver", defaults.GetString("persistence.driver"), "Persistence driver (sqlite, redis, postgres, memory)")
	cmd.PersistentFlags().String("persistence-mode", defaults.GetString("persistence.mode"), "Persistence mode (log, snapshot)")
	cmd.PersistentFlags().Duration("persistence-debounce", defaults.GetDuration("persistence.debounce"), "Delay between the first change and its flush")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis driver")
	cmd.PersistentFlags().String("postgres-dsn", "", "Postgres DSN for the postgres driver")
	cmd.PersistentFlags().Duration("idle-grace", defaults.GetDuration("collab.idle_grace"), "How long an unused document stays in memory")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "persistence.driver", "persistence-driver")
	bindFlag(cmd, "persistence.mode", "persistence-mode")
	bindFlag(cmd, "persistence.debounce", "persistence-debounce")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "postgres.dsn", "postgres-dsn")
	bindFlag(cmd, "collab.idle_grace", "idle-grace")
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

	backend, err := openBackend(ctx, appConfig, db, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{
		Gateway:  backend.gateway,
		Debounce: appConfig.PersistenceDebounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Scheduler:      scheduler,
		IdleGrace:      appConfig.IdleGrace,
		MaxUpdateBytes: appConfig.MaxUpdateBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		SystemToken:   appConfig.SystemToken,
	})
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: validator,
		Profiles:      profiles,
		Registry:      registry,
		Connection: server.ConnectionConfig{
			SendBuffer: appConfig.SendBuffer,
			ReadLimit:  int64(appConfig.MaxUpdateBytes) * 4,
		},
		Logger: logger,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("persistence_driver", appConfig.PersistenceDriver),
			zap.String("persistence_mode", string(appConfig.PersistenceMode)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return registry.RunEvictor(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		handler.CloseConnections()
		if err := registry.Close(shutdownCtx); err != nil {
			logger.Error("final flush failed", zap.Error(err))
			shutdownErr = errors.Join(shutdownErr, err)
		}
		logger.Info("server stopped")
		return shutdownErr
	})
	return group.Wait()
}

func newMintTokenCommand() *cobra.Command {
	var displayName, email string
	cmd := &cobra.Command{
		Use:   "mint-token <user-id>",
		Short: "Issue a bearer token accepted by the collaboration endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresAt, err := issuer.IssueToken(cmd.Context(), auth.TokenRequest{
				UserID:      args[0],
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name embedded in the token")
	cmd.Flags().StringVar(&email, "email", "", "Email embedded in the token")
	return cmd
}

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <document-id>...",
		Short: "Fold the update log of documents into their checkpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.PersistenceMode != persistence.ModeLog {
				return fmt.Errorf("compact requires persistence.mode=%s", persistence.ModeLog)
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

			backend, err := openBackend(cmd.Context(), appConfig, db, logger)
			if err != nil {
				return err
			}
			defer backend.close()
			compactor, ok := backend.gateway.(persistence.Compactor)
			if !ok {
				return fmt.Errorf("persistence.driver=%s does not support compaction", appConfig.PersistenceDriver)
			}
			for _, documentID := range args {
				if err := compactor.Compact(cmd.Context(), documentID); err != nil {
					return fmt.Errorf("compact %s: %w", documentID, err)
				}
				logger.Info("document compacted", zap.String("document_id", documentID))
			}
			return nil
		},
	}
}
