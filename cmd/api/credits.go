package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/interview-live/backend/internal/service/ledger"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and seed the Redis credit ledger",
}

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Add credit to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrant,
}

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show remaining credit and recent usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

var historyLimit int64

func init() {
	balanceCmd.Flags().Int64Var(&historyLimit, "history", 10, "Number of usage entries to show")
	creditsCmd.AddCommand(grantCmd, balanceCmd)
	rootCmd.AddCommand(creditsCmd)
}

func openRedisLedger(ctx context.Context) (*ledger.RedisLedger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.Backend != "redis" {
		return nil, fmt.Errorf("credits commands need ledger.backend=redis, got %q", cfg.Ledger.Backend)
	}
	return ledger.OpenRedis(ctx, cfg.Ledger.RedisAddr, cfg.Ledger.RedisPassword, cfg.Ledger.RedisDB)
}

func runGrant(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	l, err := openRedisLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	total, err := l.Grant(ctx, args[0], amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "granted %d to %s, total %d\n", amount, args[0], total)
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	l, err := openRedisLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	balance, err := l.Check(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user %s: remaining %d\n", args[0], balance.Remaining)

	entries, err := l.History(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		sign := "-"
		if e.Refund {
			sign = "+"
		}
		fmt.Fprintf(out, "  %s  %s%d %s  session=%s\n", e.At.Format(time.RFC3339), sign, e.Amount, e.Kind, e.SessionID)
	}
	return nil
}
