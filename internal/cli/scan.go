package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/repopulse/internal/control"
	"github.com/vietddude/repopulse/internal/core/domain"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one bounded scheduler pass over due repositories",
	Run:   runScan,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover repositories from the catalog and classify new ones",
	Run:   runDiscover,
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Reassign tiers across the stored population by percentile rank",
	Run:   runRebalance,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(rebalanceCmd)
}

func runScan(cmd *cobra.Command, args []string) {
	svc := newService()
	ctx := context.Background()
	defer shutdown(svc)

	result, err := svc.RunScan(ctx)
	if err != nil {
		slog.Error("Scheduler pass failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Pass finished in %s\n", result.Elapsed.Round(time.Millisecond))
	for _, tier := range []domain.Tier{domain.Tier1, domain.Tier2, domain.Tier3} {
		fmt.Printf("  tier %d: %d scanned\n", tier, result.Processed[tier])
	}
	fmt.Printf("  skipped (rate limited): %d\n", result.Skipped)
	fmt.Printf("  errors: %d\n", result.Errors)
}

func runDiscover(cmd *cobra.Command, args []string) {
	svc := newService()
	ctx := context.Background()
	defer shutdown(svc)

	found, added, err := svc.Discover(ctx)
	if err != nil {
		slog.Error("Discovery failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Discovered %d repositories, %d newly classified\n", found, added)
}

func runRebalance(cmd *cobra.Command, args []string) {
	svc := newService()
	ctx := context.Background()
	defer shutdown(svc)

	moved, err := svc.Rebalance(ctx)
	if err != nil {
		slog.Error("Rebalance failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Rebalance complete, %d repositories moved\n", moved)
}

func shutdown(svc *control.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = svc.Stop(ctx)
}
