package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/congo-pay/seller_ledger/internal/ledger"
	"github.com/congo-pay/seller_ledger/internal/money"
)

func init() {
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(withdrawalsCmd)

	entriesCmd.Flags().String("kind", "", "Only entries of this kind (sale, withdrawal, fee, adjustment)")
	entriesCmd.Flags().String("withdrawal", "", "Only entries for this withdrawal id")
	entriesCmd.Flags().Int("page", 1, "Page number")
	entriesCmd.Flags().Int("limit", 20, "Entries per page")
	withdrawalsCmd.Flags().String("status", "", "Only withdrawals in this status")
}

var accountCmd = &cobra.Command{
	Use:   "account SELLER_ID",
	Short: "Show a seller's balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := s.engine.GetAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "seller\t%s\n", snap.SellerID)
		fmt.Fprintf(w, "total earnings\t%s\n", money.Format(snap.TotalEarnings))
		fmt.Fprintf(w, "orders\t%d\n", snap.TotalOrders)
		fmt.Fprintf(w, "available\t%s\n", money.Format(snap.CurrentBalance))
		fmt.Fprintf(w, "pending withdrawals\t%s\n", money.Format(snap.PendingWithdrawals))
		fmt.Fprintf(w, "withdrawn\t%s\n", money.Format(snap.WithdrawnTotal))
		fmt.Fprintf(w, "version\t%d\n", snap.Version)
		return w.Flush()
	},
}

var entriesCmd = &cobra.Command{
	Use:   "entries SELLER_ID",
	Short: "List a seller's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		withdrawalID, _ := cmd.Flags().GetString("withdrawal")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.engine.ListLedger(cmd.Context(), args[0], ledger.EntryFilter{
			Kind:         ledger.EntryKind(kind),
			WithdrawalID: withdrawalID,
			Page:         page,
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tKIND\tAMOUNT\tBALANCE\tSTATUS\tREF\tDESCRIPTION")
		for _, e := range res.Entries {
			ref := e.OrderRef
			if ref == "" {
				ref = e.WithdrawalID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, money.Format(e.Amount),
				money.Format(e.BalanceAfter), e.Status, ref, e.Description)
		}
		fmt.Fprintf(w, "page %d, %d of %d entries\n", res.Page, len(res.Entries), res.Total)
		return w.Flush()
	},
}

var withdrawalsCmd = &cobra.Command{
	Use:   "withdrawals SELLER_ID",
	Short: "List a seller's withdrawal requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.engine.ListWithdrawals(cmd.Context(), args[0], ledger.WithdrawalStatus(status))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAMOUNT\tSTATUS\tREQUESTED\tREASON")
		for _, wd := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wd.ID, money.Format(wd.Amount), wd.Status,
				wd.RequestedAt.Format("2006-01-02 15:04:05"), wd.CancellationReason)
		}
		return w.Flush()
	},
}
