package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/vipul43/warncheck/internal/config"
	"github.com/vipul43/warncheck/internal/database"
	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/queue"
	"github.com/vipul43/warncheck/internal/repository"
	"github.com/vipul43/warncheck/internal/service"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "warncheck",
		Short:        "Batch checker for account fraud warnings",
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newListCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newResubmitCmd(),
		newAccountsCmd(),
		newMigrateCmd(),
	)
	return root
}

// app holds what every command needs: configuration, logger, database and repositories
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	jobs     *repository.JobRepository
	verdicts *repository.VerdictRepository
	accounts *repository.AccountRepository
}

// openApp loads configuration, connects to the database and applies pending migrations
func openApp() (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}

	// Initialize repositories
	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		jobs:     repository.NewJobRepository(db),
		verdicts: repository.NewVerdictRepository(db),
		accounts: repository.NewAccountRepository(db),
	}, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	_ = database.Close(a.db)
}

func (a *app) queue(publisher events.Publisher) *queue.Queue {
	return queue.New(a.jobs, a.verdicts, publisher, a.cfg.MaxUsernames, a.cfg.PollInterval, a.logger)
}

func (a *app) pool() *service.AccountPool {
	return service.NewAccountPool(a.accounts, a.cfg.DailyUseCap, a.cfg.UsageResetTZ, a.logger)
}

// accountIDs lists the configured credential usernames, which are also the account ids
func (a *app) accountIDs() []string {
	ids := make([]string, 0, len(a.cfg.Credentials))
	for _, c := range a.cfg.Credentials {
		ids = append(ids, c.Username)
	}
	return ids
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
