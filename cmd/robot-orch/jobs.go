package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/robot-orchestrator/internal/api"
	"github.com/hochfrequenz/robot-orchestrator/internal/protocol"
)

var (
	submitReq     api.SubmitJobRequest
	submitPayload string
	submitCaps    string
	submitRetries int
	jobsStatus    string
	jobsWorkflow  string
	jobsRobot     string
	jobsLimit     int
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs",
	}

	submitCmd := &cobra.Command{
		Use:   "submit WORKFLOW",
		Short: "Submit a job for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsSubmit,
	}
	submitCmd.Flags().StringVar(&submitReq.WorkflowName, "name", "", "workflow display name")
	submitCmd.Flags().StringVar(&submitReq.RobotID, "robot", "", "run on this robot")
	submitCmd.Flags().IntVar(&submitReq.Priority, "priority", 1, "priority tier, 0 (low) to 3 (critical)")
	submitCmd.Flags().StringVar(&submitReq.Environment, "env", "", "target environment")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload passed to the robot")
	submitCmd.Flags().StringVar(&submitCaps, "capabilities", "", "comma separated required capabilities")
	submitCmd.Flags().StringVar(&submitReq.TriggerKey, "trigger", "", "trigger key; subjects the job to admission control")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", -1, "retries before dead-lettering (default from server)")
	submitCmd.Flags().StringVar(&submitReq.CreatedBy, "created-by", os.Getenv("USER"), "submitter recorded on the job")
	jobsCmd.AddCommand(submitCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE:  runJobsList,
	}
	listCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&jobsWorkflow, "workflow", "", "filter by workflow")
	listCmd.Flags().StringVar(&jobsRobot, "robot", "", "filter by robot")
	listCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")
	jobsCmd.AddCommand(listCmd)

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "get JOB",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsGet,
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsCancel,
	})

	rootCmd.AddCommand(jobsCmd)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req := submitReq
	req.WorkflowID = args[0]
	if submitPayload != "" {
		if !json.Valid([]byte(submitPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		req.Payload = json.RawMessage(submitPayload)
	}
	if submitCaps != "" {
		req.RequiredCapabilities = strings.Split(submitCaps, ",")
	}
	if submitRetries >= 0 {
		req.MaxRetries = &submitRetries
	}

	var job protocol.JobInfo
	if err := newClient().do(cmd.Context(), http.MethodPost, "/jobs", nil, req, &job); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(job)
	}
	fmt.Printf("Submitted job %s (%s)\n", job.ID, styleStatus(job.Status))
	if job.RobotID != "" {
		fmt.Printf("Assigned to %s\n", job.RobotID)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{"limit": {strconv.Itoa(jobsLimit)}}
	if jobsStatus != "" {
		q.Set("status", jobsStatus)
	}
	if jobsWorkflow != "" {
		q.Set("workflow_id", jobsWorkflow)
	}
	if jobsRobot != "" {
		q.Set("robot_id", jobsRobot)
	}

	var jobs []protocol.JobInfo
	if err := newClient().do(cmd.Context(), http.MethodGet, "/jobs", q, nil, &jobs); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := newTable(os.Stdout, "ID", "WORKFLOW", "STATUS", "PRIORITY", "ROBOT", "PROGRESS", "CREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d%%\t%s\n",
			j.ID, j.WorkflowID, styleStatus(j.Status), j.Priority, orDash(j.RobotID), j.Progress, ago(j.CreatedAt))
	}
	return w.Flush()
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	var job protocol.JobInfo
	if err := newClient().do(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, nil, &job); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	var job protocol.JobInfo
	if err := newClient().do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, nil, &job); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(job)
	}
	fmt.Printf("Job %s is %s\n", job.ID, styleStatus(job.Status))
	return nil
}

func printJob(j protocol.JobInfo) {
	printTitle("Job " + j.ID)
	w := newTable(os.Stdout, "FIELD", "VALUE")
	fmt.Fprintf(w, "Workflow\t%s\n", j.WorkflowID)
	if j.WorkflowName != "" {
		fmt.Fprintf(w, "Name\t%s\n", j.WorkflowName)
	}
	fmt.Fprintf(w, "Status\t%s\n", styleStatus(j.Status))
	fmt.Fprintf(w, "Priority\t%d\n", j.Priority)
	fmt.Fprintf(w, "Robot\t%s\n", orDash(j.RobotID))
	fmt.Fprintf(w, "Capabilities\t%s\n", orDash(strings.Join(j.RequiredCapabilities, ",")))
	fmt.Fprintf(w, "Retries\t%d/%d\n", j.RetryCount, j.MaxRetries)
	fmt.Fprintf(w, "Progress\t%d%% %s\n", j.Progress, j.CurrentNode)
	fmt.Fprintf(w, "Created\t%s\n", ago(j.CreatedAt))
	fmt.Fprintf(w, "Started\t%s\n", agoPtr(j.StartedAt))
	if j.ErrorMessage != "" {
		fmt.Fprintf(w, "Error\t%s\n", badStyle.Render(j.ErrorMessage))
	}
	if len(j.Result) > 0 {
		fmt.Fprintf(w, "Result\t%s\n", j.Result)
	}
	w.Flush()
}
