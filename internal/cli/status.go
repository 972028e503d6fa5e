package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/repopulse/internal/core/domain"
)

var statusTier int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tier populations and rate limit state",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusTier, "tier", 0, "also list the records of this tier (1-3)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	svc := newService()
	defer shutdown(svc)

	overview, err := svc.TierStatus(context.Background(), domain.Tier(statusTier))
	if err != nil {
		slog.Error("Failed to query tiers", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TIER\tTOTAL\tDUE")
	for _, tier := range []domain.Tier{domain.Tier1, domain.Tier2, domain.Tier3} {
		c := overview.Counts[tier]
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\n", tier, c.Total, c.Due)
	}
	_ = w.Flush()

	if len(overview.Records) > 0 {
		fmt.Println()
		rw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(rw, "REPO\tSTARS\tGROWTH\tPRIORITY\tNEXT SCAN")
		for _, rec := range overview.Records {
			_, _ = fmt.Fprintf(rw, "%s\t%d\t%.1f\t%d\t%s\n",
				rec.RepoID, rec.Stars, rec.GrowthVelocity, rec.ScanPriority,
				rec.NextScanDue.Format("2006-01-02 15:04"))
		}
		_ = rw.Flush()
	}

	fmt.Println()
	lw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(lw, "RESOURCE\tREMAINING\tCAPACITY")
	for _, st := range svc.RateLimits() {
		_, _ = fmt.Fprintf(lw, "%s\t%d\t%d\n", st.Key, st.Remaining, st.Capacity)
	}
	_ = lw.Flush()
}
