package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/pkg/bootstrap"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/models"
)

var (
	configFile string
	runDate    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "assignment-service",
		Short: "Assignment Service for responsible-owner reassignment",
		Long:  "Assignment Service reassigns CRM owners to the on-duty users on a schedule and on deal events",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())

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
		Short: "Start the assignment service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Assignment Service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			log.InfowCtx(ctx, "Service running")
			runErr := app.Run(ctx)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer shutdownCancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.ErrorwCtx(shutdownCtx, "Shutdown failed", "error", err)
			}

			if runErr != nil && runErr != context.Canceled {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
				return runErr
			}
			log.InfowCtx(ctx, "Service shutdown complete")
			return nil
		},
	}
}

// runCmd performs one manual cycle and prints the result as JSON.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reassign owners once for a date and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			connector := bootstrap.NewDatabaseConnector(cfg, log)
			db, err := connector.InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			redisClient, err := connector.InitRedis(ctx)
			if err != nil {
				log.WarnwCtx(ctx, "Redis connection failed, using in-process lock", "error", err)
				redisClient = nil
			}
			defer connector.ShutdownDatabases(context.Background(), redisClient, db, nil)

			stack, err := bootstrap.NewAssignmentStack(ctx, cfg, log, bootstrap.AssignmentResources{
				DB:         db,
				Redis:      redisClient,
				FreshRules: true,
			})
			if err != nil {
				return err
			}

			date := stack.Service.Today()
			if runDate != "" {
				date, err = time.ParseInLocation(constants.DateLayout, runDate, stack.Gate.Location())
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", runDate, err)
				}
			}

			result, err := stack.Service.RunForDate(ctx, date, models.SourceManual, nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&runDate, "date", "", "Date to run for, YYYY-MM-DD (defaults to today in the schedule timezone)")
	return cmd
}
