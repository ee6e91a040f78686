package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/ralph"
)

var ralphCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Drive requirement documents through the queue",
	Long:  `Starts and inspects ralph runs: each run works through a YAML document of user stories, dispatching one task per attempt until every story passes or its iteration budget runs out.`,
}

var ralphStartCmd = &cobra.Command{
	Use:   "start [document.yaml]",
	Short: "Start a run from a requirements document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRalphStart,
}

var ralphListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRalphList,
}

var ralphShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show run progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runRalphShow,
}

var ralphCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Request cancellation at the next story boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  runRalphCancel,
}

func init() {
	ralphCmd.AddCommand(ralphStartCmd, ralphListCmd, ralphShowCmd, ralphCancelCmd)
}

func runRalphStart(cmd *cobra.Command, args []string) error {
	// validate locally for a fast error, then ship the raw document
	if _, err := ralph.LoadDocument(args[0]); err != nil {
		return err
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	body, err := apiPostRaw("/api/runs", "application/yaml", raw)
	if err != nil {
		return err
	}
	var run models.RalphRun
	if err := json.Unmarshal(body, &run); err != nil {
		return err
	}
	fmt.Printf("Started run %s with %d stories on %s\n", run.ID, len(run.Stories), run.CodebaseID)
	return nil
}

func runRalphList(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/runs")
	if err != nil {
		return err
	}
	var out struct {
		Runs []models.RalphRun `json:"runs"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if len(out.Runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTORIES\tCODEBASE")
	for _, r := range out.Runs {
		passed := 0
		for _, res := range r.Results {
			if res.Status == models.StoryStatusPassed {
				passed++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", shortID(r.ID), r.Status, passed, len(r.Stories), shortID(r.CodebaseID))
	}
	return w.Flush()
}

func runRalphShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/runs/" + args[0])
	if err != nil {
		return err
	}
	var run models.RalphRun
	if err := json.Unmarshal(body, &run); err != nil {
		return err
	}

	fmt.Printf("Run %s  status=%s  codebase=%s  budget=%d\n\n", run.ID, run.Status, run.CodebaseID, run.MaxIterations)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STORY\tSTATUS\tITERATIONS")
	for i, s := range run.Stories {
		res := run.Results[i]
		fmt.Fprintf(w, "%s\t%s\t%d\n", truncate(s.Title, 50), res.Status, res.Iterations)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if run.Error != "" {
		fmt.Printf("\nerror: %s\n", run.Error)
	}
	return nil
}

func runRalphCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/runs/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for run %s; it takes effect at the next story boundary\n", args[0])
	return nil
}
