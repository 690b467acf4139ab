package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/config"
	"github.com/vedsharma/apicli/internal/executor"
	"github.com/vedsharma/apicli/internal/format"
	apihttp "github.com/vedsharma/apicli/internal/http"
	"github.com/vedsharma/apicli/internal/job"
	"github.com/vedsharma/apicli/internal/logging"
	"github.com/vedsharma/apicli/internal/metrics"
	"github.com/vedsharma/apicli/internal/proxy"
	"github.com/vedsharma/apicli/internal/script"
	"github.com/vedsharma/apicli/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "apicli",
	Short: "A CLI tool for running and testing HTTP requests",
	Long: `apicli is a command-line API testing tool, similar to Postman.

Send HTTP requests, organize them into collections with variables and test
scripts, and run whole collections as scan jobs across parameter sets and
proxy pools.

Examples:
  apicli get https://api.example.com/users
  apicli post https://api.example.com/users -d '{"name": "John"}' --test checks.tengo
  apicli import workspace.yaml
  apicli collection run my-api --params envs --pool egress -n 10
  apicli results <job-id>`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show response headers")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.apicli/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the database (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// app holds everything a command needs, built from config and flags
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.SQLiteStorage
	client   *apihttp.Client
	scripts  *script.Sandbox
	selector *proxy.Selector
	metrics  *metrics.Recorder
	exec     *executor.Executor
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStorage(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	rec, err := metrics.New()
	if err != nil {
		store.Close()
		return nil, err
	}

	client := apihttp.NewClient(apihttp.Config{
		Timeout:            cfg.HTTP.Timeout,
		MaxResponseBytes:   cfg.HTTP.MaxResponseBytes,
		MaxRedirects:       cfg.HTTP.MaxRedirects,
		InsecureSkipVerify: cfg.HTTP.InsecureSkipVerify,
	}, logger)
	scripts := script.New(script.Options{
		Timeout:   cfg.Scripts.Timeout,
		MaxAllocs: cfg.Scripts.MaxAllocs,
		CacheSize: cfg.Scripts.CacheSize,
	}, logger)
	selector := proxy.NewSelector(store, logger)
	exec := executor.New(client, scripts, selector, logger,
		executor.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		executor.WithMetrics(rec),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		client:   client,
		scripts:  scripts,
		selector: selector,
		metrics:  rec,
		exec:     exec,
	}, nil
}

// mustApp builds the app or exits, in the same way every command reports errors
func mustApp(cmd *cobra.Command) *app {
	a, err := newApp(cmd)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to initialize: %v", err))
		os.Exit(1)
	}
	return a
}

func (a *app) orchestrator() *job.Orchestrator {
	return job.NewOrchestrator(a.store, a.exec, job.Config{
		MaxActive:             a.cfg.Jobs.MaxActive,
		ResponseTimeThreshold: a.cfg.Jobs.ResponseTimeThreshold,
	}, a.logger, a.metrics)
}

// Close releases the transport pools and the database
func (a *app) Close() {
	a.client.Close()
	a.store.Close()
}

// fail prints msg with err and exits
func (a *app) fail(msg string, err error) {
	format.PrintError(fmt.Sprintf("%s: %v", msg, err))
	a.Close()
	os.Exit(1)
}
