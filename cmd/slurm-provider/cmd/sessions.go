package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurm-provider/internal/slurm"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Register and inspect interactive sessions",
	}
	cmd.AddCommand(
		sessionsRegisterCmd(),
		sessionsShowCmd(),
	)
	return cmd
}

func sessionsRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <ucloud-id>",
		Short: "Registers an interactive session against a rank of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := cmd.Flags().GetInt("rank")
			if err != nil {
				return errors.WithStack(err)
			}
			token, err := cmd.Flags().GetString("token")
			if err != nil {
				return errors.WithStack(err)
			}
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				session, err := components.Service.RegisterSession(ctx, model.InteractiveSession{
					Token:    token,
					UcloudId: args[0],
					Rank:     rank,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), session.Token)
				return nil
			})
		},
	}
	cmd.Flags().Int("rank", 0, "Rank of the job the session connects to")
	cmd.Flags().String("token", "", "Token of the session, generated if empty")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <token>",
		Short: "Shows the job, rank and node behind a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				session, node, err := components.Service.SessionNode(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 1, ' ', 0)
				fmt.Fprintf(w, "Token:\t%s\n", session.Token)
				fmt.Fprintf(w, "Job:\t%s\n", session.UcloudId)
				fmt.Fprintf(w, "Rank:\t%d\n", session.Rank)
				fmt.Fprintf(w, "Node:\t%s\n", node)
				fmt.Fprintf(w, "Created:\t%s\n", session.CreatedAt.Format(time.RFC3339))
				return w.Flush()
			})
		},
	}
	return cmd
}
