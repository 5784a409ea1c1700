package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels/console"
)

// newChatCmd creates `memberclaw chat`, an interactive terminal session
// that goes through the same gateway as WhatsApp.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Open an interactive session. Each line is handled exactly like a
WhatsApp message from the --as user key, quotas and !reset included.

Examples:
  memberclaw chat
  memberclaw chat --as 5511999990001`,
		RunE: runChat,
	}
	cmd.Flags().String("as", "console", "user key (phone number) to chat as")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// Logs go to stderr so they do not interleave with the conversation;
	// without --verbose only errors are shown.
	logCfg := cfg.Logging
	logCfg.Format = "text"
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		logCfg.Level = "error"
	}
	logger := newLogger(cmd, logCfg, os.Stderr)

	userKey, _ := cmd.Flags().GetString("as")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	home, _ := os.UserHomeDir()
	con := console.New(console.Config{
		UserKey:     userKey,
		HistoryFile: filepath.Join(home, ".memberclaw_history"),
	}, logger)

	manager := channels.NewManager(logger)
	if err := manager.Register(con); err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, manager.Sender(con.Name()), logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Chatting as %s. Type %s to start over, exit to quit.\n",
		userKey, cfg.Reply.ResetCommand)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		// One message at a time, like a single WhatsApp chat.
		manager.Dispatch(ctx, a.gateway.HandleIncoming, 1)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	select {
	case <-con.Done():
	case <-sigChan:
	}

	cancel()
	manager.Stop()
	<-dispatchDone
	return nil
}
