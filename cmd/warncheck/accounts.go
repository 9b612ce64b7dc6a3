package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vipul43/warncheck/internal/models"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and manage the account pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newAccountsListCmd(), newAccountsUnlockCmd())
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show each account's status and daily usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.pool().Snapshot(context.Background())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), accounts)
			}
			return printAccounts(cmd.OutOrStdout(), accounts, a.cfg.DailyUseCap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printAccounts(w io.Writer, accounts []models.Account, dailyCap int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tUSED\tRESETS\tLAST USED\tLOCK REASON")
	for _, acc := range accounts {
		lastUsed := "-"
		if acc.LastUsedAt != nil {
			lastUsed = acc.LastUsedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			acc.ID, acc.Status, acc.DailyUseCount, dailyCap,
			acc.CountResetAt.Local().Format(time.DateTime), lastUsed, deref(acc.LockReason))
	}
	return tw.Flush()
}

func newAccountsUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <account>",
		Short: "Return a locked-out account to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			acc, err := a.pool().Unlock(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", acc.ID, acc.Status)
			return nil
		},
	}
}
