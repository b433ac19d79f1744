package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/serenity/serenity/internal/ledger"
)

// errChainInvalid makes `sr audit verify` exit non-zero
var errChainInvalid = errors.New("audit ledger failed verification")

func auditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the consent and deletion audit trail",
	}
	cmd.AddCommand(auditShowCmd(c))
	cmd.AddCommand(auditVerifyCmd(c))
	return cmd
}

func auditShowCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's audit entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := ledger.NewStore(db, nil).History(cmd.Context(), c.ids.SecureID(args[0]), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries.")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					strconv.FormatInt(e.Seq, 10), e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, e.Details,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Seq", "Time", "Action", "Actor", "Details"}, rows, 1))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func auditVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			summary, err := ledger.NewStore(db, nil).Summarize(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			actions := make([]string, 0, len(summary.ByAction))
			for a := range summary.ByAction {
				actions = append(actions, a)
			}
			sort.Strings(actions)
			rows := make([][]string, 0, len(actions))
			for _, a := range actions {
				rows = append(rows, []string{a, strconv.Itoa(summary.ByAction[a])})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"Action", "Entries"}, rows, 2))
			}

			if !summary.ChainValid {
				fmt.Fprintf(out, "Chain INVALID: %s\n", summary.ChainError)
				return errChainInvalid
			}
			fmt.Fprintf(out, "Chain valid (%d entries)\n", summary.TotalEntries)
			return nil
		},
	}
}
