package commands

import (
	"github.com/spf13/cobra"
)

func sitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect discovered tenants",
	}
	cmd.AddCommand(sitesListCommand())
	return cmd
}

func sitesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every discovered tenant, grouped by plugin type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}

			out := make(map[string][]string)
			for _, pt := range g.PluginTypes() {
				out[pt] = g.Sites.ListSites(pt)
			}
			return printJSON(map[string]any{
				"sites":          out,
				"counts_by_type": g.Sites.GetCountByType(),
			})
		},
	}
}
