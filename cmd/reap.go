package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Kill Rserve processes left behind by a crashed host.",
	Long: "Kill every Rserve process recorded in the ledger whose owner is gone " +
		"and that still runs the recorded binary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		if l == nil {
			return errors.New("no ledger configured, use --ledger")
		}
		n, err := l.ReapOrphans()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %d orphaned Rserve processes, %d entries left in %s\n",
			n, len(l.Entries()), l.Path())
		return nil
	},
}
