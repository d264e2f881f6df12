package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/strataflow/strataflow/pkg/config"
	"github.com/strataflow/strataflow/pkg/connector/registry"
	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/logger"
	"github.com/strataflow/strataflow/pkg/models"
	"github.com/strataflow/strataflow/pkg/orchestrator"
	"github.com/strataflow/strataflow/pkg/scheduler"
	"github.com/strataflow/strataflow/pkg/service"
	"github.com/strataflow/strataflow/pkg/state"
	"github.com/strataflow/strataflow/pkg/warehouse"

	// Import all source connectors to register them
	_ "github.com/strataflow/strataflow/pkg/connector/sources/crm"
	_ "github.com/strataflow/strataflow/pkg/connector/sources/mysql"
	_ "github.com/strataflow/strataflow/pkg/connector/sources/postgres"
	_ "github.com/strataflow/strataflow/pkg/connector/sources/restapi"
	_ "github.com/strataflow/strataflow/pkg/connector/sources/sheets"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "strataflow",
		Short: "Strataflow - connector and sync orchestration engine",
		Long: `Strataflow syncs data from heterogeneous sources (relational databases,
REST APIs, spreadsheets, SaaS CRMs) into a layered warehouse (raw, validated,
business) with durable incremental cursors and per-connector run isolation.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Strataflow v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available source connector types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available source connectors:")
			for _, tag := range registry.List() {
				fmt.Printf("  - %s\n", tag)
			}
		},
	})

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var configFile, dbPath, stream, logLevel string
	var fullResync bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync for a connector config",
		Long: `Run a single sync for the connector described by a YAML config file.

Example:
  strataflow run -c connectors/orders-db.yaml --stream orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogger(logLevel); err != nil {
				return err
			}
			return runOnce(configFile, dbPath, stream, fullResync)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to connector configuration YAML file (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&dbPath, "db", "strataflow.db", "Path to the SQLite state/warehouse database")
	cmd.Flags().StringVar(&stream, "stream", "", "Sync only this stream (default: all configured streams)")
	cmd.Flags().BoolVar(&fullResync, "full", false, "Clear the cursor and re-extract from the beginning")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func runOnce(configFile, dbPath, stream string, fullResync bool) error {
	cfg, err := config.LoadConnectorConfig(configFile)
	if err != nil {
		return err
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := state.NewStore(db)
	if err != nil {
		return err
	}
	runs, err := state.NewRunStore(db)
	if err != nil {
		return err
	}
	orch := orchestrator.New(states, runs, warehouse.NewWriter(db))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout())
	defer cancel()

	run := &models.SyncRun{
		ID:          uuid.NewString(),
		ConnectorID: cfg.ID,
		Trigger:     models.TriggerManual,
		Status:      models.RunStatusQueued,
		StartedAt:   time.Now().UTC(),
	}
	if err := runs.Create(ctx, run); err != nil {
		return err
	}

	opts := orchestrator.ExecuteOptions{FullResync: fullResync}
	if stream != "" {
		opts.Streams = []string{stream}
	}
	if err := orch.Execute(ctx, cfg, run, opts); err != nil {
		return err
	}

	fmt.Printf("Run %s %s: read=%d raw=%d validated=%d business=%d\n",
		run.ID, run.Status, run.RecordsRead,
		run.RecordsWritten.Raw, run.RecordsWritten.Validated, run.RecordsWritten.Business)
	return nil
}

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler daemon",
		Long: `Load all enabled connector configs, register their cron schedules, and
serve until interrupted. Settings come from flags, a YAML config file, and
STRATAFLOW_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcCfg, err := loadServiceConfig(cmd, configFile)
			if err != nil {
				return err
			}
			if err := initLogger(svcCfg.LogLevel); err != nil {
				return err
			}
			return serve(svcCfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to service configuration YAML file")
	cmd.Flags().String("db", "strataflow.db", "Path to the SQLite state/warehouse database")
	cmd.Flags().String("config-dir", "connectors", "Directory of connector configuration YAML files")
	cmd.Flags().Int("workers", 4, "Number of concurrent sync workers")
	cmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics listen address (empty disables)")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func loadServiceConfig(cmd *cobra.Command, configFile string) (*config.ServiceConfig, error) {
	v := viper.New()
	v.SetDefault("database_path", "strataflow.db")
	v.SetDefault("config_dir", "connectors")
	v.SetDefault("workers", 4)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("STRATAFLOW")
	v.AutomaticEnv()

	_ = v.BindPFlag("database_path", cmd.Flags().Lookup("db"))
	_ = v.BindPFlag("config_dir", cmd.Flags().Lookup("config-dir"))
	_ = v.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	_ = v.BindPFlag("metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read service config: %w", err)
		}
	}

	svcCfg := config.NewServiceConfig()
	if err := v.Unmarshal(svcCfg); err != nil {
		return nil, fmt.Errorf("parse service config: %w", err)
	}
	if err := svcCfg.Validate(); err != nil {
		return nil, err
	}
	return svcCfg, nil
}

func serve(svcCfg *config.ServiceConfig) error {
	log := logger.Get().With(zap.String("component", "main"))

	db, err := state.Open(svcCfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := state.NewStore(db)
	if err != nil {
		return err
	}
	runs, err := state.NewRunStore(db)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Runs orphaned by a previous crash must not block admission forever
	if _, err := runs.MarkInterrupted(ctx); err != nil {
		return err
	}

	orch := orchestrator.New(states, runs, warehouse.NewWriter(db))
	sched := scheduler.New(orch, runs, svcCfg.Workers)

	svc, err := service.New(db, states, runs, sched)
	if err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()

	// Connectors created through the service API in earlier runs persist in
	// the database; re-register their schedules first.
	stored, err := svc.ListConnectors(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range stored {
		if err := sched.Register(cfg); err != nil {
			log.Warn("skipping stored connector",
				zap.String("connector_id", cfg.ID),
				zap.Error(err))
		}
	}

	configs, err := config.LoadConnectorDir(svcCfg.ConfigDir)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		err := svc.CreateConnector(ctx, cfg)
		if err != nil && errors.IsType(err, errors.ErrorTypeValidation) {
			err = svc.UpdateConnector(ctx, cfg)
		}
		if err != nil {
			log.Warn("skipping connector config",
				zap.String("connector_id", cfg.ID),
				zap.Error(err))
		}
	}

	var metricsSrv *http.Server
	if svcCfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: svcCfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		log.Info("metrics listener started", zap.String("addr", svcCfg.MetricsAddr))
	}

	log.Info("strataflow serving",
		zap.Int("connectors", len(configs)),
		zap.Int("workers", svcCfg.Workers))

	<-ctx.Done()
	log.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func initLogger(level string) error {
	return logger.Init(logger.Config{
		Level:    level,
		Encoding: "json",
	})
}
