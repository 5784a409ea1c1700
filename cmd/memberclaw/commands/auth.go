package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
)

// newAuthCmd creates `memberclaw auth` for managing the assistant API key
// in the OS keyring.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the assistant API key in the OS keyring",
	}

	setKey := &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		Long: `Store the assistant API key in the OS keyring. The key is read from
the terminal without echo, or from stdin when piped.

Examples:
  memberclaw auth set-key
  echo "$OPENAI_API_KEY" | memberclaw auth set-key`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := readSecret(cmd, "API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := copilot.StoreKeyring(copilot.KeyringAPIKey, key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
			return nil
		},
	}

	deleteKey := &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := copilot.DeleteKeyring(copilot.KeyringAPIKey); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show where the API key is resolved from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if copilot.GetKeyring(copilot.KeyringAPIKey) != "" {
				fmt.Fprintln(out, "API key: OS keyring")
				return nil
			}
			for _, env := range []string{"MEMBERCLAW_API_KEY", "OPENAI_API_KEY"} {
				if os.Getenv(env) != "" {
					fmt.Fprintf(out, "API key: environment (%s)\n", env)
					return nil
				}
			}
			fmt.Fprintln(out, "API key: not found")
			return nil
		},
	}

	cmd.AddCommand(setKey, deleteKey, status)
	return cmd
}

// readSecret reads a line without echo from a terminal, or a plain line
// from piped stdin.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.OutOrStdout(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
