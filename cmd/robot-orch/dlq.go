package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/robot-orchestrator/internal/api"
	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

var (
	dlqWorkflow    string
	dlqPendingOnly bool
	dlqLimit       int
	dlqOffset      int
	dlqReprocessor string
	dlqOlderThan   int
)

func init() {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess dead-lettered jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries",
		RunE:  runDLQList,
	}
	listCmd.Flags().StringVar(&dlqWorkflow, "workflow", "", "filter by workflow")
	listCmd.Flags().BoolVar(&dlqPendingOnly, "pending", false, "only entries not yet retried")
	listCmd.Flags().IntVar(&dlqLimit, "limit", 50, "page size")
	listCmd.Flags().IntVar(&dlqOffset, "offset", 0, "page offset")
	dlqCmd.AddCommand(listCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count dead letter entries",
		RunE:  runDLQStats,
	}
	statsCmd.Flags().StringVar(&dlqWorkflow, "workflow", "", "filter by workflow")
	dlqCmd.AddCommand(statsCmd)

	dlqCmd.AddCommand(&cobra.Command{
		Use:   "show ENTRY",
		Short: "Show a dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runDLQShow,
	})

	retryCmd := &cobra.Command{
		Use:   "retry ENTRY",
		Short: "Resubmit a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE:  runDLQRetry,
	}
	retryCmd.Flags().StringVar(&dlqReprocessor, "by", os.Getenv("USER"), "operator recorded as reprocessor")
	dlqCmd.AddCommand(retryCmd)

	dlqCmd.AddCommand(&cobra.Command{
		Use:   "delete ENTRY",
		Short: "Delete a dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runDLQDelete,
	})

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete reprocessed entries older than a number of days",
		RunE:  runDLQPurge,
	}
	purgeCmd.Flags().IntVar(&dlqOlderThan, "older-than", -1, "age in days (default from server retention)")
	dlqCmd.AddCommand(purgeCmd)

	rootCmd.AddCommand(dlqCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	q := url.Values{
		"limit":  {strconv.Itoa(dlqLimit)},
		"offset": {strconv.Itoa(dlqOffset)},
	}
	if dlqWorkflow != "" {
		q.Set("workflow_id", dlqWorkflow)
	}
	if dlqPendingOnly {
		q.Set("pending_only", "true")
	}

	var resp api.DLQListResponse
	if err := newClient().do(cmd.Context(), http.MethodGet, "/dlq", q, nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(resp)
	}

	fmt.Printf("%s entries, %s pending\n", humanize.Comma(int64(resp.Total)), humanize.Comma(int64(resp.Pending)))
	if len(resp.Entries) == 0 {
		return nil
	}
	w := newTable(os.Stdout, "ID", "WORKFLOW", "JOB", "RETRIES", "FAILED", "STATE", "ERROR")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.WorkflowID, e.OriginalJobID, e.RetryCount, ago(e.LastFailedAt), entryState(e), truncate(e.ErrorMessage, 60))
	}
	return w.Flush()
}

func runDLQStats(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if dlqWorkflow != "" {
		q.Set("workflow_id", dlqWorkflow)
	}
	var stats domain.DLQStats
	if err := newClient().do(cmd.Context(), http.MethodGet, "/dlq/stats", q, nil, &stats); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(stats)
	}
	fmt.Printf("Total: %s  Pending: %s  Reprocessed: %s\n",
		humanize.Comma(int64(stats.Total)), humanize.Comma(int64(stats.Pending)), humanize.Comma(int64(stats.Total-stats.Pending)))
	return nil
}

func runDLQShow(cmd *cobra.Command, args []string) error {
	var e domain.DLQEntry
	if err := newClient().do(cmd.Context(), http.MethodGet, "/dlq/"+url.PathEscape(args[0]), nil, nil, &e); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(e)
	}

	printTitle("Dead letter " + e.ID)
	w := newTable(os.Stdout, "FIELD", "VALUE")
	fmt.Fprintf(w, "Job\t%s\n", e.OriginalJobID)
	fmt.Fprintf(w, "Workflow\t%s %s\n", e.WorkflowID, e.WorkflowName)
	fmt.Fprintf(w, "Priority\t%d\n", e.Priority)
	fmt.Fprintf(w, "Retries\t%d\n", e.RetryCount)
	fmt.Fprintf(w, "First failed\t%s\n", ago(e.FirstFailedAt))
	fmt.Fprintf(w, "Last failed\t%s\n", ago(e.LastFailedAt))
	fmt.Fprintf(w, "State\t%s\n", entryState(e))
	if e.NewJobID != "" {
		fmt.Fprintf(w, "New job\t%s\n", e.NewJobID)
	}
	fmt.Fprintf(w, "Error\t%s\n", badStyle.Render(e.ErrorMessage))
	if e.ErrorDetails != "" {
		fmt.Fprintf(w, "Details\t%s\n", e.ErrorDetails)
	}
	if len(e.Payload) > 0 {
		fmt.Fprintf(w, "Payload\t%s (%s)\n", e.Payload, humanize.Bytes(uint64(len(e.Payload))))
	}
	return w.Flush()
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if dlqReprocessor != "" {
		q.Set("reprocessed_by", dlqReprocessor)
	}
	var resp api.DLQRetryResponse
	if err := newClient().do(cmd.Context(), http.MethodPost, "/dlq/"+url.PathEscape(args[0])+"/retry", q, nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(resp)
	}
	fmt.Printf("Resubmitted %s as job %s\n", resp.DLQEntryID, resp.NewJobID)
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().do(cmd.Context(), http.MethodDelete, "/dlq/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if dlqOlderThan >= 0 {
		q.Set("older_than_days", strconv.Itoa(dlqOlderThan))
	}
	var resp api.DLQPurgeResponse
	if err := newClient().do(cmd.Context(), http.MethodPost, "/dlq/purge", q, nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(resp)
	}
	fmt.Printf("Purged %s entries\n", humanize.Comma(int64(resp.PurgedCount)))
	return nil
}

func entryState(e domain.DLQEntry) string {
	if e.IsPending() {
		return busyStyle.Render("pending")
	}
	return okStyle.Render("reprocessed " + agoPtr(e.ReprocessedAt))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
