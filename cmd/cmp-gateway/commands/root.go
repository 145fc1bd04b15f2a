package commands

import (
	"github.com/spf13/cobra"
)

// Root returns the gateway CLI's root command.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cmp-gateway",
		Short:         "Multi-tenant MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(serveCommand())
	cmd.AddCommand(keysCommand())
	cmd.AddCommand(sitesCommand())
	cmd.AddCommand(auditCommand())

	return cmd
}
