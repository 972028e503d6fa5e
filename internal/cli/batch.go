package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/repopulse/internal/batch"
)

var (
	batchForce      bool
	batchChunk      int
	batchStartIndex int
	batchWatch      bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage bulk analysis batches",
}

var batchStartCmd = &cobra.Command{
	Use:   "start [owner/name ...]",
	Short: "Start a bulk analysis batch (all stored repos when none given)",
	Run:   runBatchStart,
}

var batchStopCmd = &cobra.Command{
	Use:   "stop [batch_id]",
	Short: "Request a cooperative stop of a running batch",
	Args:  cobra.ExactArgs(1),
	Run:   runBatchStop,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status [batch_id]",
	Short: "Show progress and ETA for a batch",
	Args:  cobra.ExactArgs(1),
	Run:   runBatchStatus,
}

var batchClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all batch tracking state",
	Run:   runBatchClear,
}

var batchRetryCmd = &cobra.Command{
	Use:   "retry [batch_id]",
	Short: "Start a new batch from a batch's retryable failures",
	Args:  cobra.ExactArgs(1),
	Run:   runBatchRetry,
}

func init() {
	batchStartCmd.Flags().BoolVar(&batchForce, "force", false, "start even while another batch is running")
	batchStartCmd.Flags().IntVar(&batchChunk, "chunk", 0, "cap the number of items taken from the input")
	batchStartCmd.Flags().IntVar(&batchStartIndex, "start-index", 0, "skip the first N items, for manual resume")
	batchStartCmd.Flags().BoolVar(&batchWatch, "watch", true, "wait and report progress until the batch finishes")

	batchCmd.AddCommand(batchStartCmd)
	batchCmd.AddCommand(batchStopCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchClearCmd)
	batchCmd.AddCommand(batchRetryCmd)
	rootCmd.AddCommand(batchCmd)
}

func runBatchStart(cmd *cobra.Command, args []string) {
	svc := newService()
	ctx := context.Background()
	defer shutdown(svc)

	id, err := svc.StartBatch(ctx, args, batch.StartOptions{
		Force:      batchForce,
		ChunkSize:  batchChunk,
		StartIndex: batchStartIndex,
	})
	if err != nil {
		slog.Error("Failed to start batch", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Batch %s started\n", id)

	if !batchWatch {
		return
	}
	for {
		time.Sleep(2 * time.Second)
		report, err := svc.BatchStatus(ctx, id)
		if err != nil {
			slog.Error("Failed to query batch", "error", err)
			os.Exit(1)
		}
		printReport(report)
		if report.Status.Terminal() {
			return
		}
	}
}

func runBatchStop(cmd *cobra.Command, args []string) {
	svc := newService()
	defer shutdown(svc)

	status, err := svc.StopBatch(context.Background(), args[0])
	if err != nil {
		slog.Error("Failed to stop batch", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Batch %s is %s\n", args[0], status)
}

func runBatchStatus(cmd *cobra.Command, args []string) {
	svc := newService()
	defer shutdown(svc)

	report, err := svc.BatchStatus(context.Background(), args[0])
	if err != nil {
		slog.Error("Failed to query batch", "error", err)
		os.Exit(1)
	}
	printReport(report)
	for _, item := range report.Items {
		line := fmt.Sprintf("  %-40s %s", item.RepoID, item.State)
		if item.ErrorKind != "" {
			line += fmt.Sprintf(" (%s, attempts=%d)", item.ErrorKind, item.Attempts)
		}
		fmt.Println(line)
	}
}

func runBatchClear(cmd *cobra.Command, args []string) {
	svc := newService()
	defer shutdown(svc)

	n, err := svc.ClearBatches(context.Background())
	if err != nil {
		slog.Error("Failed to clear batches", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Cleared %d batches\n", n)
}

func runBatchRetry(cmd *cobra.Command, args []string) {
	svc := newService()
	defer shutdown(svc)

	id, err := svc.RetryFailed(context.Background(), args[0])
	if err != nil {
		slog.Error("Failed to retry batch", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Retry batch %s started\n", id)
}

func printReport(report *batch.StatusReport) {
	line := fmt.Sprintf("[%s] %d/%d done, %d failed, %d pending",
		report.Status, report.Completed, report.Total, report.Failed, report.Pending)
	if report.CurrentRepo != "" {
		line += fmt.Sprintf(", analyzing %s", report.CurrentRepo)
	}
	if report.ETA > 0 {
		line += fmt.Sprintf(", ETA %s", report.ETA.Round(time.Second))
	}
	fmt.Println(line)
}
