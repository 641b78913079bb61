package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/robot-orchestrator/internal/api"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

var (
	robotsStatus string
	robotsTenant string
	robotsCaps   string
)

func init() {
	robotsCmd := &cobra.Command{
		Use:   "robots",
		Short: "Inspect and manage connected robots",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List robots",
		RunE:  runRobotsList,
	}
	listCmd.Flags().StringVar(&robotsStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&robotsTenant, "tenant", "", "filter by tenant")
	listCmd.Flags().StringVar(&robotsCaps, "capabilities", "", "comma separated capabilities a robot must have")
	robotsCmd.AddCommand(listCmd)

	robotsCmd.AddCommand(&cobra.Command{
		Use:   "status ROBOT STATUS",
		Short: "Set a robot's administrative status (online, maintenance, offline)",
		Args:  cobra.ExactArgs(2),
		RunE:  runRobotsSetStatus,
	})

	rootCmd.AddCommand(robotsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job and robot counts by status",
		RunE:  runStats,
	})
}

func runRobotsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if robotsStatus != "" {
		q.Set("status", robotsStatus)
	}
	if robotsTenant != "" {
		q.Set("tenant_id", robotsTenant)
	}
	if robotsCaps != "" {
		q.Set("capabilities", robotsCaps)
	}

	var robots []protocol.RobotInfo
	if err := newClient().do(cmd.Context(), http.MethodGet, "/robots", q, nil, &robots); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(robots)
	}
	if len(robots) == 0 {
		fmt.Println("No robots connected")
		return nil
	}

	w := newTable(os.Stdout, "ID", "STATUS", "JOBS", "CAPABILITIES", "CPU", "MEM", "HEARTBEAT")
	for _, r := range robots {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%.0f%%\t%.0f%%\t%s\n",
			r.ID, styleStatus(r.Status), r.CurrentJobs, r.MaxConcurrentJobs,
			orDash(strings.Join(r.Capabilities, ",")), r.CPUPercent, r.MemoryPercent, ago(r.LastHeartbeat))
	}
	return w.Flush()
}

func runRobotsSetStatus(cmd *cobra.Command, args []string) error {
	var robot protocol.RobotInfo
	body := api.SetStatusRequest{Status: args[1]}
	if err := newClient().do(cmd.Context(), http.MethodPost, "/robots/"+url.PathEscape(args[0])+"/status", nil, body, &robot); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(robot)
	}
	fmt.Printf("Robot %s is now %s\n", robot.ID, styleStatus(robot.Status))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats api.StatsResponse
	if err := newClient().do(cmd.Context(), http.MethodGet, "/stats", nil, nil, &stats); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(stats)
	}

	printTitle("Jobs")
	w := newTable(os.Stdout, "STATUS", "COUNT")
	for _, status := range []string{"pending", "queued", "running", "completed", "failed", "cancelled", "timeout"} {
		fmt.Fprintf(w, "%s\t%d\n", styleStatus(status), stats.Jobs[status])
	}
	w.Flush()

	fmt.Println()
	printTitle("Robots")
	w = newTable(os.Stdout, "STATUS", "COUNT")
	for status, n := range stats.Robots {
		fmt.Fprintf(w, "%s\t%d\n", styleStatus(status), n)
	}
	return w.Flush()
}
