package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmpkit/cmp-gateway/pkg/audit"
)

func auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
	}
	cmd.AddCommand(auditQueryCommand())
	cmd.AddCommand(auditStatsCommand())
	return cmd
}

func auditQueryCommand() *cobra.Command {
	var (
		eventType   string
		level       string
		project     string
		toolName    string
		since       string
		until       string
		successOnly bool
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Filter and print audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}

			filter := audit.Filter{
				EventType:   audit.EventType(eventType),
				Level:       audit.Level(level),
				ProjectID:   project,
				ToolName:    toolName,
				SuccessOnly: successOnly,
				Limit:       limit,
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
				filter.Since = t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("parse --until: %w", err)
				}
				filter.Until = t
			}

			entries, err := g.Audit.Query(filter)
			if err != nil {
				return fmt.Errorf("query audit log: %w", err)
			}
			return printJSON(entries)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&eventType, "event-type", "", "Filter by event type (tool_call, authentication, health_check, error, system)")
	flags.StringVar(&level, "level", "", "Filter by level (INFO, WARNING, ERROR, CRITICAL)")
	flags.StringVar(&project, "project", "", "Filter by project id")
	flags.StringVar(&toolName, "tool", "", "Filter by tool name")
	flags.StringVar(&since, "since", "", "Only entries at or after this RFC3339 timestamp")
	flags.StringVar(&until, "until", "", "Only entries at or before this RFC3339 timestamp")
	flags.BoolVar(&successOnly, "success-only", false, "Only entries carrying success=true")
	flags.IntVar(&limit, "limit", 100, "Maximum entries to return, stopping at the first match past this count")
	return cmd
}

func auditStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print summary counts over the full audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := openGateway()
			if err != nil {
				return err
			}
			stats, err := g.Audit.Statistics()
			if err != nil {
				return fmt.Errorf("compute audit statistics: %w", err)
			}
			return printJSON(stats)
		},
	}
}
