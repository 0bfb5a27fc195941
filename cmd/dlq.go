package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/app"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered jobs",
	}
	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQRequeueCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Queue.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")
	return cmd
}

func newDLQRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id> [job-id...]",
		Short: "Return dead jobs to their queue with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, jobID := range args {
				if err := a.Queue.Requeue(cmd.Context(), jobID); err != nil {
					return err
				}
				a.Log.Info("job requeued", zap.String("job_id", jobID))
			}
			return nil
		},
	}
}
