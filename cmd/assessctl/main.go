// Command assessctl submits and inspects assessments on a running server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-assess/internal/client"
	"github.com/nidhogg/nuka-assess/internal/orchestrator"
)

var (
	serverURL string
	timeout   time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "assessctl",
		Short:        "Client for the project assessment server",
		SilenceUsage: true,
	}
	defURL := os.Getenv("ASSESS_BASE_URL")
	if defURL == "" {
		defURL = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defURL, "assessment server base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall request timeout")

	root.AddCommand(newSubmitCmd(), newStatusCmd(), newReportCmd(), newCancelCmd(), newListCmd(), newAgentsCmd())
	return root
}

func newSubmitCmd() *cobra.Command {
	var (
		projectURL string
		wait       bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <query>",
		Short: "Start an assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextFor(cmd)
			defer cancel()
			c := client.New(serverURL, nil)

			acc, err := c.Submit(ctx, orchestrator.Request{Query: args[0], ProjectURL: projectURL})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), acc)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "waiting for %s\n", acc.AssessmentID)
			view, err := c.Wait(ctx, acc.AssessmentID, interval)
			if err != nil {
				return err
			}
			if view.OverallStatus != orchestrator.AssessmentCompleted {
				printJSON(cmd.OutOrStdout(), view)
				return fmt.Errorf("assessment %s %s", view.AssessmentID, view.OverallStatus)
			}
			rep, err := c.Report(ctx, acc.AssessmentID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&projectURL, "project", "", "project URL to assess")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the assessment finishes and print the report")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "status poll interval with --wait")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <assessment-id>",
		Short: "Show an assessment's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextFor(cmd)
			defer cancel()
			view, err := client.New(serverURL, nil).Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <assessment-id>",
		Short: "Print the report of a completed assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextFor(cmd)
			defer cancel()
			rep, err := client.New(serverURL, nil).Report(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <assessment-id>",
		Short: "Cancel a running assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextFor(cmd)
			defer cancel()
			view, err := client.New(serverURL, nil).Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		archived bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextFor(cmd)
			defer cancel()
			list, err := client.New(serverURL, nil).List(ctx, archived, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%-10s\t%d tasks\t%s\t%s\n",
					s.AssessmentID, s.OverallStatus, s.TaskCount, s.CreatedAt.Format(time.RFC3339), s.Query)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "read persisted history instead of the live server")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum archived entries")
	return cmd
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextFor(cmd)
			defer cancel()
			descs, err := client.New(serverURL, nil).Agents(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), descs)
		},
	}
}
