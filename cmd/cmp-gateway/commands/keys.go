package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmpkit/cmp-gateway/pkg/apikey"
	"github.com/cmpkit/cmp-gateway/pkg/reqcontext"
)

func keysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Create, list, revoke, and rotate API keys",
	}
	cmd.AddCommand(keysCreateCommand())
	cmd.AddCommand(keysListCommand())
	cmd.AddCommand(keysRevokeCommand())
	cmd.AddCommand(keysRotateCommand())
	return cmd
}

func keysCreateCommand() *cobra.Command {
	var (
		project     string
		scope       string
		description string
		expiresIn   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key, printing its raw secret exactly once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}

			params := apikey.CreateParams{
				ProjectID:   project,
				Scope:       scope,
				Description: description,
			}
			if expiresIn > 0 {
				expires := time.Now().UTC().Add(expiresIn)
				params.ExpiresAt = &expires
			}

			created, err := g.APIKeys.Create(params)
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}

			return printJSON(map[string]any{
				"key_id":  created.Record.KeyID,
				"api_key": created.RawKey,
				"project": created.Record.ProjectID,
				"scope":   created.Record.Scope,
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&project, "project", reqcontext.GlobalProject, "Project id this key is scoped to (\"*\" for every project)")
	flags.StringVar(&scope, "scope", string(reqcontext.ScopeRead), "Scope to grant: read, write, or admin")
	flags.StringVar(&description, "description", "", "Free-text note stored alongside the key")
	flags.DurationVar(&expiresIn, "expires-in", 0, "Lifetime after which the key stops validating (0 = never)")
	return cmd
}

func keysListCommand() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a project (or every project)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}
			return printJSON(g.APIKeys.List(project))
		},
	}
	cmd.Flags().StringVar(&project, "project", reqcontext.GlobalProject, "Project id to list (\"*\" for every project)")
	return cmd
}

func keysRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key_id>",
		Short: "Revoke an API key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}
			if err := g.APIKeys.Revoke(args[0]); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
}

func keysRotateCommand() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Revoke every key for a project and mint replacements of the same scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}
			rotated, err := g.APIKeys.Rotate(project)
			if err != nil {
				return fmt.Errorf("rotate keys: %w", err)
			}
			return printJSON(rotated)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project id to rotate")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
