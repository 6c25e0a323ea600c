package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurm-provider/internal/slurm"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the jobs tracked by the provider",
	}
	cmd.AddCommand(
		jobsListCmd(),
		jobsSubmitCmd(),
		jobsCancelCmd(),
		jobsLogsCmd(),
	)
	return cmd
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists tracked jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter database.BrowseFilter
			var err error
			if filter.Partition, err = cmd.Flags().GetString("partition"); err != nil {
				return errors.WithStack(err)
			}
			if filter.SchedulerId, err = cmd.Flags().GetString("slurm-id"); err != nil {
				return errors.WithStack(err)
			}
			if filter.ActiveOnly, err = cmd.Flags().GetBool("active"); err != nil {
				return errors.WithStack(err)
			}
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				jobs, err := components.Service.Jobs(ctx, filter)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 2, ' ', 0)
				fmt.Fprintln(w, "UCLOUD ID\tSLURM ID\tPARTITION\tSTATE\tACCOUNTED\tACTIVE")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%t\n",
						j.UcloudId, j.SchedulerId, j.Partition, j.LastKnownState, j.ElapsedAccountedMs, j.Active)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().String("partition", "", "Only list jobs of this partition")
	cmd.Flags().String("slurm-id", "", "Only list jobs with this slurm id")
	cmd.Flags().Bool("active", false, "Only list jobs that are still reconciled")
	return cmd
}

func jobsSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <ucloud-id> <script>",
		Short: "Submits a rendered batch script for a control plane job",
		Long: `Submits a rendered batch script to slurm under the account mapped to the owner of the job and
records the resulting slurm job. A running provider picks the job up on its next index refresh.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				mapping, err := components.Service.SubmitById(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as slurm job %s in partition %s\n",
					mapping.UcloudId, mapping.SchedulerId, mapping.Partition)
				return nil
			})
		},
	}
	return cmd
}

func jobsLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <ucloud-id>",
		Short: "Shows where slurm writes the output of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				files, err := components.Service.LogFiles(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 1, ' ', 0)
				fmt.Fprintf(w, "Stdout:\t%s\n", orUnknown(files.Stdout))
				fmt.Fprintf(w, "Stderr:\t%s\n", orUnknown(files.Stderr))
				return w.Flush()
			})
		},
	}
	return cmd
}

func orUnknown(path string) string {
	if path == "" {
		return "unknown"
	}
	return path
}

func jobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <ucloud-id>",
		Short: "Cancels the slurm job backing a control plane job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				if err := components.Service.Terminate(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requested cancellation of %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}
