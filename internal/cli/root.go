package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/common/database"
	"github.com/khalifapro/crowd.dev/internal/common/logger"
	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
	"github.com/khalifapro/crowd.dev/internal/config"
	"github.com/khalifapro/crowd.dev/internal/consumer"
	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/service"
)

// Environment opens the external resources commands need.
type Environment struct {
	OpenStore     func(cfg *config.Config, logger *zap.Logger) (repository.Store, func() error, error)
	OpenEmitter   func(cfg *config.Config) (*consumer.Emitter, func() error, error)
	OpenProcessor func(cfg *config.Config, logger *zap.Logger) (consumer.ActivityProcessor, func() error, error)
}

// RootOptions holds global flags and the state prepared for every command.
type RootOptions struct {
	LogLevel  string
	LogFormat string

	Config *config.Config
	Logger *zap.Logger
	Env    Environment
}

// NewRootCommand creates the identity-fixer command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(DefaultEnvironment())
}

func newRootCommand(env Environment) *cobra.Command {
	opts := &RootOptions{Env: env}

	cmd := &cobra.Command{
		Use:   "identity-fixer",
		Short: "Batch repairs for member and organization identities",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = opts.LogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = opts.LogFormat
			}
			if cfg.Database.ApplicationName == "" {
				cfg.Database.ApplicationName = "identity-fixer"
			}
			opts.Config = cfg

			if opts.Logger == nil {
				l, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "identity-fixer")
				if err != nil {
					return fmt.Errorf("failed to create logger: %w", err)
				}
				opts.Logger = l
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "console", "log format (json|console)")

	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewCheckActivitiesCommand(opts))
	cmd.AddCommand(NewProcessActivityCommand(opts))

	return cmd
}

// DefaultEnvironment connects to the configured Postgres and Redis.
func DefaultEnvironment() Environment {
	return Environment{
		OpenStore: func(cfg *config.Config, logger *zap.Logger) (repository.Store, func() error, error) {
			db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
			if err != nil {
				return nil, nil, err
			}
			return repository.NewPostgresStore(db, logger), db.Close, nil
		},
		OpenEmitter: func(cfg *config.Config) (*consumer.Emitter, func() error, error) {
			client, err := openRedis(cfg)
			if err != nil {
				return nil, nil, err
			}
			return consumer.NewEmitter(client, cfg.Worker.Stream), client.Close, nil
		},
		OpenProcessor: func(cfg *config.Config, logger *zap.Logger) (consumer.ActivityProcessor, func() error, error) {
			s, err := service.NewDataSinkService(context.Background(), cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return s.Activities(), func() error { return s.Stop(context.Background()) }, nil
		},
	}
}

func openRedis(cfg *config.Config) (*redisx.Client, error) {
	return redisx.Connect(context.Background(), &cfg.Redis)
}
