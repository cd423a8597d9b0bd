package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-sh/drydock/pkg/client"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/types"
)

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "127.0.0.1:8080", "Orchestrator API address")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsReportCmd)

	launchCmd.Flags().String("directive", "", "Directive id to launch from")
	launchCmd.Flags().StringSlice("task", nil, "Task kinds to run (repeatable)")
	launchCmd.Flags().String("host", "", "Pin the run to a worker host id")

	runsListCmd.Flags().String("status", "", "Comma-separated status filter")
	runsListCmd.Flags().Int("limit", 20, "Maximum number of runs")
}

func apiClient() *client.Client {
	return client.New(apiAddr)
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a run from a directive or an explicit task list",
	RunE: func(cmd *cobra.Command, args []string) error {
		directive, _ := cmd.Flags().GetString("directive")
		tasks, _ := cmd.Flags().GetStringSlice("task")
		host, _ := cmd.Flags().GetString("host")

		req := launcher.Request{DirectiveID: directive, TargetHostID: host}
		for _, task := range tasks {
			req.Tasks = append(req.Tasks, types.TaskKind(task))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := apiClient().Launch(ctx, req)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s created with %d job(s)\n", result.Run.ID, len(result.Jobs))
		if result.Run.Approval == types.ApprovalPending {
			fmt.Println("Run is awaiting approval and will not dispatch until approved.")
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var statuses []string
		if status != "" {
			statuses = strings.Split(status, ",")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		runs, err := apiClient().ListRuns(ctx, statuses, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tJOBS\tTOKENS\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				r.ID, r.Status, r.JobCount, r.TotalTokens, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var runsGetCmd = &cobra.Command{
	Use:   "get RUN_ID",
	Short: "Show one run and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		detail, err := apiClient().GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		r := detail.Run
		fmt.Printf("Run:      %s\n", r.ID)
		fmt.Printf("Status:   %s\n", r.Status)
		if r.WorkerHostID != nil {
			fmt.Printf("Host:     %s\n", *r.WorkerHostID)
		}
		fmt.Printf("Tokens:   %d\n", r.TotalTokens)
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tKIND\tSTATUS\tERROR")
		for _, j := range detail.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Status, j.Error)
		}
		return w.Flush()
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Request cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		run, err := apiClient().CancelRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Run %s is %s\n", run.ID, run.Status)
		return nil
	},
}

var runsReportCmd = &cobra.Command{
	Use:   "report RUN_ID",
	Short: "Print a run's markdown report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		report, err := apiClient().GetReport(ctx, args[0])
		if err != nil {
			return err
		}
		if report.Markdown == "" {
			fmt.Println("No report yet; the run has not finished.")
			return nil
		}
		fmt.Print(report.Markdown)
		return nil
	},
}
