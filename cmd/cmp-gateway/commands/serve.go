package commands

import (
	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, serving every configured tenant's endpoints until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}
			return g.Run(cmd.Context())
		},
	}
}
