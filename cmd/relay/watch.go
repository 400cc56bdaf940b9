package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/engine"
	"github.com/deepnoodle-ai/relay/watcher"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch trigger sources and execute active automations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		connectors := defaultConnectors()
		// The daemon never prompts: unapproved scripts block until
		// `relay approve` is run.
		eng, err := buildEngine(cfg, st, logger, connectors, "deny")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w, err := watcher.New(watcher.Options{
			Connectors:   connectors,
			States:       st,
			PollInterval: cfg.PollInterval(),
			Logger:       logger,
			Handler: watcher.AsyncHandler(func(ctx context.Context, spec *automation.Spec, event *automation.TriggerEvent) {
				if _, err := eng.Run(ctx, spec, event, engine.RunOptions{}); err != nil {
					logger.Error("execution error", "automation", spec.ID, "error", err)
				}
			}),
		})
		if err != nil {
			return err
		}

		specs, err := st.ListAutomations(ctx, automation.StatusActive)
		if err != nil {
			return err
		}
		watched := 0
		for _, spec := range specs {
			if err := w.Add(ctx, spec); err != nil {
				logger.Warn("skipping automation", "automation", spec.ID, "error", err)
				continue
			}
			watched++
		}
		logger.Info("relay watching", "automations", watched,
			"webhook_addr", cfg.Watcher.WebhookListenAddr)

		server := &http.Server{Addr: cfg.Watcher.WebhookListenAddr, Handler: w}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("webhook server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("relay stopped")
		return nil
	},
}
