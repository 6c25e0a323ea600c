package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurm-provider/internal/slurm"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and edit the mapping between owners and slurm accounts",
	}
	cmd.AddCommand(
		accountsLookupCmd(),
		accountsReverseCmd(),
		accountsSetCmd(),
	)
	return cmd
}

func accountsLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <user:NAME|project:ID>",
		Short: "Resolves the slurm account an owner submits to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(args[0])
			if err != nil {
				return err
			}
			category, partition, err := categoryAndPartition(cmd)
			if err != nil {
				return err
			}
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				account, ok, err := components.Accounts.LookupByOwner(ctx, owner, category, partition)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s has no slurm account in %s for %s\n", owner, partition, category)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), account)
				return nil
			})
		},
	}
	addCategoryAndPartitionFlags(cmd)
	return cmd
}

func accountsReverseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reverse <account>",
		Short: "Lists the owners mapped to a slurm account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition, err := cmd.Flags().GetString("partition")
			if err != nil {
				return errors.WithStack(err)
			}
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				mappings, err := components.Accounts.LookupBySchedulerAccount(ctx, args[0], partition)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 2, ' ', 0)
				fmt.Fprintln(w, "OWNER\tCATEGORY\tPARTITION")
				for _, m := range mappings {
					fmt.Fprintf(w, "%s\t%s\t%s\n", m.Owner, m.ProductCategory, m.Partition)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().String("partition", "", "Slurm partition the account belongs to")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}

func accountsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <user:NAME|project:ID> <account>",
		Short: "Overrides the slurm account of an owner. An empty account means the owner has none.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(args[0])
			if err != nil {
				return err
			}
			category, partition, err := categoryAndPartition(cmd)
			if err != nil {
				return err
			}
			return withComponents(func(ctx context.Context, components *slurm.Components) error {
				return components.Accounts.Set(ctx, model.AccountMapping{
					Owner:            owner,
					ProductCategory:  category,
					Partition:        partition,
					SchedulerAccount: args[1],
				})
			})
		},
	}
	addCategoryAndPartitionFlags(cmd)
	return cmd
}

func addCategoryAndPartitionFlags(cmd *cobra.Command) {
	cmd.Flags().String("category", "", "Product category")
	cmd.Flags().String("partition", "", "Slurm partition")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("partition")
}

func categoryAndPartition(cmd *cobra.Command) (string, string, error) {
	category, err := cmd.Flags().GetString("category")
	if err != nil {
		return "", "", errors.WithStack(err)
	}
	partition, err := cmd.Flags().GetString("partition")
	if err != nil {
		return "", "", errors.WithStack(err)
	}
	return category, partition, nil
}

// parseOwner reads an owner written as <kind>:<id>.
func parseOwner(s string) (model.Owner, error) {
	kind, id, found := strings.Cut(s, ":")
	if !found || id == "" {
		return model.Owner{}, errors.Errorf("owner %q must be written as user:<name> or project:<id>", s)
	}
	return model.OwnerFromKind(kind, id)
}
