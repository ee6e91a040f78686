package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/fleet/internal/models"
)

var codebaseCmd = &cobra.Command{
	Use:   "codebase",
	Short: "Manage codebases",
}

var codebaseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a codebase",
	Long:  `Registers a codebase. Without --worker the codebase starts pending and a global task asks any connected worker to clone and confirm it.`,
	RunE:  runCodebaseAdd,
}

var codebaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List codebases",
	RunE:  runCodebaseList,
}

var codebaseConfirmCmd = &cobra.Command{
	Use:   "confirm [codebase-id]",
	Short: "Confirm ownership of a pending codebase",
	Args:  cobra.ExactArgs(1),
	RunE:  runCodebaseConfirm,
}

var (
	codebaseName   string
	codebasePath   string
	codebaseWorker string
	codebaseDesc   string
)

func init() {
	codebaseCmd.AddCommand(codebaseAddCmd, codebaseListCmd, codebaseConfirmCmd)

	codebaseAddCmd.Flags().StringVar(&codebaseName, "name", "", "Codebase name (required)")
	codebaseAddCmd.Flags().StringVar(&codebasePath, "path", "", "Local path on the owning worker")
	codebaseAddCmd.Flags().StringVar(&codebaseWorker, "worker", "", "Owning worker id (omit to leave pending)")
	codebaseAddCmd.Flags().StringVar(&codebaseDesc, "desc", "", "Description")
	codebaseAddCmd.MarkFlagRequired("name")

	codebaseConfirmCmd.Flags().StringVar(&codebaseWorker, "worker", "", "Confirming worker id (required)")
	codebaseConfirmCmd.Flags().StringVar(&codebasePath, "path", "", "Local path on the confirming worker")
	codebaseConfirmCmd.MarkFlagRequired("worker")
}

func runCodebaseAdd(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/api/codebases", map[string]string{
		"name":        codebaseName,
		"path":        codebasePath,
		"worker_id":   codebaseWorker,
		"description": codebaseDesc,
	})
	if err != nil {
		return err
	}
	var cb models.Codebase
	if err := json.Unmarshal(body, &cb); err != nil {
		return err
	}
	if cb.Pending() {
		fmt.Printf("Registered codebase %s (pending, onboarding task enqueued)\n", cb.ID)
	} else {
		fmt.Printf("Registered codebase %s owned by %s\n", cb.ID, cb.WorkerID)
	}
	return nil
}

func runCodebaseList(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/codebases")
	if err != nil {
		return err
	}
	var out struct {
		Codebases []models.Codebase `json:"codebases"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if len(out.Codebases) == 0 {
		fmt.Println("No codebases registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOWNER\tPATH")
	for _, cb := range out.Codebases {
		owner := shortID(cb.WorkerID)
		if cb.Pending() {
			owner = "(pending)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(cb.ID), cb.Name, owner, cb.Path)
	}
	return w.Flush()
}

func runCodebaseConfirm(cmd *cobra.Command, args []string) error {
	body, err := apiPost("/api/codebases/"+args[0]+"/confirm", map[string]string{
		"worker_id": codebaseWorker,
		"path":      codebasePath,
	})
	if err != nil {
		return err
	}
	var cb models.Codebase
	if err := json.Unmarshal(body, &cb); err != nil {
		return err
	}
	fmt.Printf("Codebase %s confirmed by %s\n", cb.ID, cb.WorkerID)
	return nil
}
