package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"concierge/internal/config"
	"concierge/internal/critic"
	"concierge/internal/logging"
	"concierge/internal/pipeline"
	"concierge/internal/prompt"
	"concierge/internal/provider"
	"concierge/internal/server"
	"concierge/internal/store"
	"concierge/internal/worker"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "concierge - conversational hotel booking assistant",
	Long: `concierge serves a conversational hotel-booking assistant over HTTP.

Each user turn runs a multi-step LLM pipeline: preference extraction,
conditional search simulation, response generation, and asynchronous
critic scoring. Clients poll for reply status while the pipeline runs
in the background.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.NewDevelopment(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Initialize(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the concierge HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	prompts := prompt.NewLibrary(cfg.Prompts.Dir)
	if cfg.Prompts.HotReload {
		if err := prompts.Watch(ctx); err != nil {
			logging.Get(logging.CategoryBoot).Warnf("Prompt hot reload unavailable: %v", err)
		} else {
			defer prompts.StopWatching()
		}
	}

	extraction, err := provider.FromConfig(ctx, cfg.LLM.Extraction)
	if err != nil {
		return fmt.Errorf("failed to build extraction client: %w", err)
	}
	actor, err := provider.FromConfig(ctx, cfg.LLM.Actor)
	if err != nil {
		return fmt.Errorf("failed to build actor client: %w", err)
	}
	criticClient, err := provider.FromConfig(ctx, cfg.LLM.Critic)
	if err != nil {
		return fmt.Errorf("failed to build critic client: %w", err)
	}

	engine := critic.New(st, prompts, criticClient, cfg.LLM.Critic.Temperature)
	pipe := pipeline.New(st, prompts, extraction, actor, engine,
		cfg.LLM.Extraction.Temperature, cfg.LLM.Actor.Temperature)

	queue := worker.New(worker.Config{
		Workers:      cfg.Worker.Workers,
		MaxQueueSize: cfg.Worker.MaxQueueSize,
	})
	queue.Start()
	defer queue.Stop()

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  config.TimeoutOf(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: config.TimeoutOf(cfg.Server.WriteTimeout, 30*time.Second),
	}, st, queue, pipe, engine)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Get(logging.CategoryBoot).Infof("concierge %s listening on %s", cfg.Version, cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.TimeoutOf(cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logging.Get(logging.CategoryBoot).Info("Shutdown complete")
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
