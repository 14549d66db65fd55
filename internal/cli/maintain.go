package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/congo-pay/seller_ledger/internal/money"
	"github.com/congo-pay/seller_ledger/internal/payout"
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(sweepCmd)

	adjustCmd.Flags().String("reason", "", "Reason recorded on the adjustment entry (required)")
	cancelCmd.Flags().String("reason", "cancelled by operator", "Cancellation reason")
	sweepCmd.Flags().Duration("timeout", 0, "Cancel withdrawals older than this (default from WITHDRAWAL_TIMEOUT)")
}

var errDrift = errors.New("ledger drift detected")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile SELLER_ID...",
	Short: "Replay entry logs and compare them with account totals",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		failed := 0
		for _, seller := range args {
			if err := s.engine.Verify(cmd.Context(), seller); err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAIL\t%v\n", seller, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tOK\n", seller)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sellers: %w", failed, len(args), errDrift)
		}
		return nil
	},
}

var adjustCmd = &cobra.Command{
	Use:   "adjust SELLER_ID AMOUNT",
	Short: "Apply a signed manual correction; put -- before a negative amount",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}
		delta, err := money.Parse(args[1])
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := s.engine.Adjust(cmd.Context(), args[0], delta, reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s available %s\n", snap.SellerID, money.Format(snap.CurrentBalance))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel SELLER_ID WITHDRAWAL_ID",
	Short: "Cancel a pending withdrawal and release its funds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := s.engine.CancelWithdrawal(cmd.Context(), args[0], args[1], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s available %s\n", snap.SellerID, money.Format(snap.CurrentBalance))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Cancel withdrawals stuck past the payout deadline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = s.cfg.WithdrawalTimeout
		}
		n, err := payout.NewSweeper(s.engine, nil, timeout, s.cfg.SweepInterval, s.logger).SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d withdrawals\n", n)
		return nil
	},
}
