package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/curvefit/internal/store"
	"github.com/spf13/cobra"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Manage stored fit results",
	Long: `Manage fit records saved by 'fit --save' and the server, including
listing, showing and cleaning old records.`,
}

var listResultsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored fit records",
	Long:  `Display all records with job ID, timestamp, function, status, residual sum and file sizes.`,
	RunE:  runListResults,
}

var showResultCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show a stored fit record",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowResult,
}

var cleanResultsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old fit records",
	Long: `Delete old records based on retention policy.
You can keep the N most recent records or delete records older than N days.`,
	RunE: runCleanResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	resultsCmd.AddCommand(listResultsCmd)
	resultsCmd.AddCommand(showResultCmd)
	resultsCmd.AddCommand(cleanResultsCmd)

	cleanResultsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N records (0 = keep all)")
	cleanResultsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete records older than N days (0 = no age limit)")
	cleanResultsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListResults(cmd *cobra.Command, args []string) error {
	recordStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create record store: %w", err)
	}

	infos, err := recordStore.ListRecords()
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	out := outWriter(cmd)
	if len(infos) == 0 {
		fmt.Fprintln(out, "No records found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTIMESTAMP\tFUNCTION\tPOINTS\tSSE\tR^2\tSIZE")
	fmt.Fprintln(w, "------\t---------\t--------\t------\t---\t---\t----")

	for _, info := range infos {
		jobDir := filepath.Join(dataDir, "jobs", info.JobID)
		size, err := getDirSize(jobDir)
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.6g\t%.6f\t%s\n",
			shortID(info.JobID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.FitType,
			info.Points,
			info.SSE,
			info.RSquared,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal records: %d\n", len(infos))
	return nil
}

func runShowResult(cmd *cobra.Command, args []string) error {
	recordStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create record store: %w", err)
	}

	record, err := recordStore.LoadRecord(args[0])
	if err != nil {
		return err
	}

	out := outWriter(cmd)
	fmt.Fprintf(out, "Job: %s\n", record.JobID)
	fmt.Fprintf(out, "Saved: %s\n", record.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "Formula: %s (%s)\n", record.Equation, record.FitType)
	fmt.Fprintf(out, "Status: %s\n", record.Status)
	fmt.Fprintf(out, "Points: %d\n", len(record.Config.X))
	fmt.Fprintf(out, "Iterations: %d, restarts: %d\n", record.Iterations, record.Restarts)
	fmt.Fprintf(out, "Sum of residuals squared: %.6g\n", record.SSE)
	fmt.Fprintf(out, "R^2: %.8f\n", record.RSquared)
	fmt.Fprintln(out, "Parameters:")
	for i, p := range record.Params {
		fmt.Fprintf(out, "  %c = %.10g\n", 'a'+i, p)
	}
	return nil
}

func runCleanResults(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	recordStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create record store: %w", err)
	}

	infos, err := recordStore.ListRecords()
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	out := outWriter(cmd)
	if len(infos) == 0 {
		fmt.Fprintln(out, "No records to clean.")
		return nil
	}

	toDelete := selectRecordsForDeletion(infos, keepLast, olderThanDays)

	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No records match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d record(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %s)\n",
			shortID(info.JobID),
			info.FitType,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		err := recordStore.DeleteRecord(info.JobID)
		if err != nil {
			slog.Error("Failed to delete record", "job_id", info.JobID, "error", err)
			failed++
		} else {
			slog.Info("Deleted record", "job_id", info.JobID)
			deleted++
		}
	}

	fmt.Fprintf(out, "\nDeleted %d record(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRecordsForDeletion determines which records should be deleted based on retention policy
func selectRecordsForDeletion(infos []store.FitInfo, keepLast int, olderThanDays int) []store.FitInfo {
	var toDelete []store.FitInfo
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.JobID] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.FitInfo, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, k int) bool {
			return sorted[i].Timestamp.Before(sorted[k].Timestamp)
		})

		// Oldest records beyond keepLast
		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.JobID] {
				toDelete = append(toDelete, info)
				selected[info.JobID] = true
			}
		}
	}

	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
