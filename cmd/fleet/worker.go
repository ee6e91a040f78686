package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/fleet/internal/agent"
	"github.com/fentz26/fleet/internal/connectors/localexec"
	"github.com/fentz26/fleet/internal/models"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and run workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE:  runWorkerList,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker agent attached to this machine",
	RunE:  runWorkerRun,
}

var workerAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show agent binaries found on PATH",
	RunE:  runWorkerAgents,
}

var (
	workerName      string
	workerCodebases []string
	workerCaps      []string
	workerGlobal    bool
	workerRoot      string
	workerSlots     int
	workerAgentBin  string
	workerAgentArgs []string
)

func init() {
	workerCmd.AddCommand(workerListCmd, workerRunCmd, workerAgentsCmd)

	hostname, _ := os.Hostname()
	workerRunCmd.Flags().StringVar(&workerName, "name", hostname, "Worker name")
	workerRunCmd.Flags().StringSliceVar(&workerCodebases, "codebase", nil, "Codebase ids this worker hosts (repeatable)")
	workerRunCmd.Flags().StringSliceVar(&workerCaps, "capability", nil, "Capabilities this worker offers (repeatable)")
	workerRunCmd.Flags().BoolVar(&workerGlobal, "global", false, "Accept tasks for any codebase")
	workerRunCmd.Flags().StringVar(&workerRoot, "work-root", "", "Directory for tasks without a codebase path")
	workerRunCmd.Flags().IntVar(&workerSlots, "slots", agent.DefaultSlots, "Concurrent task slots")
	workerRunCmd.Flags().StringVar(&workerAgentBin, "agent-bin", "", "Agent binary (default: probe PATH)")
	workerRunCmd.Flags().StringSliceVar(&workerAgentArgs, "agent-arg", nil, "Extra argument passed to every agent invocation (repeatable)")
}

func runWorkerList(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/api/workers")
	if err != nil {
		return err
	}
	var out struct {
		Workers []struct {
			models.Worker
			Connected bool `json:"connected"`
		} `json:"workers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if len(out.Workers) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONNECTED\tGLOBAL\tCAPABILITIES\tCODEBASES")
	for _, wk := range out.Workers {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%v\t%v\n",
			shortID(wk.ID), wk.Name, wk.Connected, wk.Global, wk.Capabilities, wk.Codebases)
	}
	return w.Flush()
}

func runWorkerAgents(cmd *cobra.Command, args []string) error {
	found := localexec.Probe()
	if len(found) == 0 {
		fmt.Println("No agent binaries found on PATH")
		return nil
	}
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tPATH")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, found[name])
	}
	return w.Flush()
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	var opts []localexec.Option
	if workerAgentBin != "" {
		opts = append(opts, localexec.WithBinary(workerAgentBin))
	}
	if len(workerAgentArgs) > 0 {
		opts = append(opts, localexec.WithExtraArgs(workerAgentArgs...))
	}
	connector, err := localexec.New(opts...)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	if workerRoot == "" {
		workerRoot, _ = os.Getwd()
	}
	a := agent.New(agent.NewClient(apiAddr), connector, agent.Config{
		Name:         workerName,
		Hostname:     hostname,
		Capabilities: workerCaps,
		Codebases:    workerCodebases,
		Global:       workerGlobal,
		WorkRoot:     workerRoot,
		Slots:        workerSlots,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return a.Run(ctx)
}
