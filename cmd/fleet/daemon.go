package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/fleet/internal/broker"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/roster"
	"github.com/fentz26/fleet/internal/scm"
	"github.com/fentz26/fleet/internal/store"
	"github.com/fentz26/fleet/internal/telemetry"
)

var (
	listenAddr    string
	dbPath        string
	memoryStore   bool
	otlpEndpoint  string
	workerTTL     time.Duration
	sweepInterval time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Fleet daemon",
	Long:  `Starts the daemon that owns the task queue, the worker roster, and the notification stream.`,
	RunE:  runDaemon,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".fleet", "fleet.db")

	daemonCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7466", "Listen address for the API server")
	daemonCmd.Flags().StringVar(&dbPath, "db", defaultDB, "Path to SQLite database")
	daemonCmd.Flags().BoolVar(&memoryStore, "memory", false, "Use an in-memory store (state is lost on exit)")
	daemonCmd.Flags().StringVar(&otlpEndpoint, "otlp", os.Getenv("FLEET_OTLP_ENDPOINT"), "OTLP/HTTP trace collector URL (empty disables tracing)")
	daemonCmd.Flags().DurationVar(&workerTTL, "worker-ttl", roster.DefaultTTL, "Heartbeat window before a worker counts as disconnected")
	daemonCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Second, "How often deadline and stale-claim sweeps run")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Fleet daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "fleet",
		Endpoint:    otlpEndpoint,
	})
	if err != nil {
		return err
	}

	var st store.Store
	if memoryStore {
		st = store.NewMemory()
		log.Println("Using in-memory store")
	} else {
		st, err = store.NewSQLite(dbPath)
		if err != nil {
			return err
		}
		log.Printf("Using database %s", dbPath)
	}

	b := broker.New()
	ros := roster.New(st, roster.WithTTL(workerTTL))
	service := controlplane.NewService(ctx, st, log.Default(),
		controlplane.WithBroker(b),
		controlplane.WithRoster(ros),
		controlplane.WithCommitter(scm.NewGit(log.Default())),
	)
	server := &http.Server{
		Addr:    listenAddr,
		Handler: controlplane.NewServer(service, log.Default()).Handler(),
	}

	go b.Run(ctx)
	go service.Registry.RunSweeper(ctx, sweepInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s", listenAddr)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			st.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// stop sweeps, the broker, and any in-flight runs
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Trace shutdown error: %v", err)
	}
	log.Println("Closing store...")
	if err := st.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
