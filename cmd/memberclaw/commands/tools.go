package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/members"
)

// newToolsCmd creates `memberclaw tools`, which prints the function
// definitions to paste into the hosted assistant.
func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the assistant function definitions as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			// Definitions never touch the database.
			return enc.Encode(members.NewStore(nil, members.Config{}, nil).ToolDefinitions())
		},
	}
	return cmd
}
