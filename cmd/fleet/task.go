package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/fleet/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim a task for a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskClaim,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskFailCmd = &cobra.Command{
	Use:   "fail [task-id]",
	Short: "Mark a task failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskFail,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskDecisionsCmd = &cobra.Command{
	Use:   "decisions [task-id]",
	Short: "Show the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDecisions,
}

var (
	taskTitle     string
	taskDesc      string
	taskAgentType string
	taskCodebase  string
	taskPriority  int
	taskDeadline  time.Duration
	taskStatus    string
	claimWorkerID string
	taskResult    string
	taskError     string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskClaimCmd, taskCompleteCmd, taskFailCmd, taskCancelCmd, taskDecisionsCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskAgentType, "type", "general", "Agent type (build, plan, explore, general)")
	taskAddCmd.Flags().StringVar(&taskCodebase, "codebase", "", "Target codebase id (required)")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Task priority, higher first")
	taskAddCmd.Flags().DurationVar(&taskDeadline, "deadline", 0, "Fail the task if unclaimed after this long (0 = never)")
	taskAddCmd.MarkFlagRequired("title")
	taskAddCmd.MarkFlagRequired("codebase")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskCodebase, "codebase", "", "Filter by codebase")

	taskClaimCmd.Flags().StringVar(&claimWorkerID, "worker", "", "Claiming worker id (required)")
	taskClaimCmd.MarkFlagRequired("worker")

	taskCompleteCmd.Flags().StringVar(&taskResult, "result", "", "Result summary")
	taskFailCmd.Flags().StringVar(&taskError, "error", "", "Failure detail")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/api/tasks", map[string]any{
		"title":       taskTitle,
		"description": taskDesc,
		"agent_type":  taskAgentType,
		"codebase_id": taskCodebase,
		"priority":    taskPriority,
		"deadline":    taskDeadline,
	})
	if err != nil {
		return err
	}
	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	fmt.Printf("Created task %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/api/tasks?"
	if taskStatus != "" {
		path += "status=" + taskStatus + "&"
	}
	if taskCodebase != "" {
		path += "codebase=" + taskCodebase
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}
	var out struct {
		Tasks []models.Task `json:"tasks"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if len(out.Tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tTYPE\tCODEBASE\tPRI\tSTATUS\tCLAIMED BY")
	for _, t := range out.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(t.ID), truncate(t.Title, 40), t.AgentType, shortID(t.CodebaseID), t.Priority, t.Status, shortID(t.ClaimedBy))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/tasks/" + args[0])
	if err != nil {
		return err
	}
	printJSON(body)
	return nil
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/api/tasks/"+args[0]+"/claim", map[string]string{"worker_id": claimWorkerID})
	if err != nil {
		return err
	}
	var conflictResp struct {
		Conflict *struct {
			Status    string `json:"status"`
			ClaimedBy string `json:"claimed_by"`
		} `json:"conflict"`
	}
	if json.Unmarshal(body, &conflictResp) == nil && conflictResp.Conflict != nil {
		c := conflictResp.Conflict
		if c.ClaimedBy != "" {
			fmt.Printf("Claim lost: task already claimed by %s\n", c.ClaimedBy)
		} else {
			fmt.Printf("Claim lost: task is %s\n", c.Status)
		}
		return nil
	}
	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	fmt.Printf("Claimed task %s for %s\n", task.ID, task.ClaimedBy)
	return nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/tasks/"+args[0]+"/complete", map[string]string{"result": taskResult}); err != nil {
		return err
	}
	fmt.Printf("Completed task %s\n", args[0])
	return nil
}

func runTaskFail(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/tasks/"+args[0]+"/fail", map[string]string{"error": taskError}); err != nil {
		return err
	}
	fmt.Printf("Failed task %s\n", args[0])
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/tasks/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", args[0])
	return nil
}

func runTaskDecisions(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/tasks/" + args[0] + "/decisions")
	if err != nil {
		return err
	}
	var out struct {
		Decisions []models.DecisionRecord `json:"decisions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if len(out.Decisions) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, d := range out.Decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			d.Timestamp.Format(time.RFC3339), d.Action, d.Outcome, truncate(d.Details, 50))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
