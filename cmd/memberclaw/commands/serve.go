package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels/whatsapp"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/webhook"
)

// newServeCmd creates the `memberclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon (WhatsApp channel and webhook)",
		Long: `Start Memberclaw as a daemon: connect the WhatsApp channel, serve the
inbound webhook and admin API, and run maintenance jobs.

Examples:
  memberclaw serve
  memberclaw serve --no-whatsapp
  memberclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-whatsapp", false, "do not connect the WhatsApp channel (webhook only)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Channels ──
	noWhatsApp, _ := cmd.Flags().GetBool("no-whatsapp")
	manager := channels.NewManager(logger)
	var wa *whatsapp.WhatsApp
	if cfg.Channels.WhatsApp.Enabled && !noWhatsApp {
		wa = whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := manager.Register(wa); err != nil {
			return err
		}
	}

	if !cfg.Webhook.Enabled && wa == nil {
		return fmt.Errorf("nothing to serve: enable channels.whatsapp or webhook")
	}

	// Replies go through WhatsApp when connected, otherwise through the
	// provider's send API.
	var sender copilot.ReplySender
	if wa != nil {
		sender = manager.Sender(wa.Name())
	} else {
		out, err := webhook.NewOutboundSender(cfg.Webhook, logger)
		if err != nil {
			return fmt.Errorf("webhook-only mode: %w", err)
		}
		sender = out
	}

	a, err := buildApp(ctx, cfg, sender, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// ── WhatsApp ──
	dispatchDone := make(chan struct{})
	if wa != nil {
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("starting channels: %w", err)
		}
		go func() {
			defer close(dispatchDone)
			manager.Dispatch(ctx, a.gateway.HandleIncoming, cfg.Channels.MaxConcurrent)
		}()
	} else {
		close(dispatchDone)
	}

	// ── Webhook ──
	var server *webhook.Server
	if cfg.Webhook.Enabled {
		opts := webhook.Options{
			Health: func(ctx context.Context) (map[string]any, bool) {
				status := map[string]any{"database": a.db.Status(ctx)}
				ok := a.db.PingContext(ctx) == nil
				for name, h := range manager.HealthAll() {
					status[name] = h
					ok = ok && h.Connected
				}
				return status, ok
			},
		}
		if a.registry != nil {
			opts.Gatherer = a.registry
		}
		server = webhook.New(cfg.Webhook, a.gateway, opts, logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("starting webhook: %w", err)
		}
	}

	// ── Maintenance ──
	a.scheduler.Start(ctx)

	logger.Info("Memberclaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"whatsapp", wa != nil,
		"webhook", cfg.Webhook.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("webhook shutdown", "error", err)
		}
	}
	a.scheduler.Stop()
	cancel()
	manager.Stop()

	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out waiting for in-flight messages")
	}
	logger.Info("Memberclaw stopped")
	return nil
}
