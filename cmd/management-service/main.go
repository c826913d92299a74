package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "dutyassign/cmd/management-service/docs"
	"dutyassign/internal/config"
	"dutyassign/internal/logger"
	"dutyassign/internal/management"
	"dutyassign/internal/rules"
	"dutyassign/pkg/bootstrap"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/migrations"
)

var (
	configFile string
	rulesFile  string
)

// @title           Duty Assignment Management API
// @version         1.0
// @description     REST API for managing reassignment rules, the duty roster and schedule, run history, and manual runs
// @termsOfService  http://swagger.io/terms/

// @contact.name   API Support
// @contact.url    http://www.example.com/support
// @contact.email  support@example.com

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "management-service",
		Short: "Management Service for responsible-owner reassignment",
		Long:  "Management Service provides a REST API for rules, the duty roster, run history and manual runs",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importRulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the management service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Management Service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg.Database.RunMigrations = false
			db, err := bootstrap.NewDatabaseConnector(cfg, log).InitPostgreSQL(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.ApplyPostgres(db, cfg.Database.MigrationsPath); err != nil {
				return err
			}
			log.Infow("Migrations applied", "path", cfg.Database.MigrationsPath)
			return nil
		},
	}
}

func importRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-rules",
		Short: "Create assignment rules from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			f, err := os.Open(rulesFile)
			if err != nil {
				return fmt.Errorf("failed to open rules file: %w", err)
			}
			defer f.Close()

			ctx := management.WithChangedBy(cmd.Context(), "import-rules")

			db, err := bootstrap.NewDatabaseConnector(cfg, log).InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			parser, err := rules.NewParser()
			if err != nil {
				return err
			}
			svc := management.NewService(
				management.NewRepository(db),
				management.NewValidator(parser),
				log,
				management.WithChangeLog(management.NewChangeLog(db)),
			)

			result, err := management.ImportRules(ctx, svc, f)
			if err != nil {
				return err
			}

			log.InfowCtx(ctx, "Rules imported", "created", len(result.Created), "failed", len(result.Failed))
			for _, failure := range result.Failed {
				fmt.Fprintln(cmd.ErrOrStderr(), failure)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d of %d rules failed to import", len(result.Failed), len(result.Failed)+len(result.Created))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesFile, "file", "", "Path to the YAML rules file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
