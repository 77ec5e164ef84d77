package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/simqueue/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [queue-id]",
	Short: "Watch a queue live in the terminal",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var watchNegotiation string

func init() {
	watchCmd.Flags().StringVar(&watchNegotiation, "negotiation", "", "Watch the active queue of a negotiation")
}

func runWatch(cmd *cobra.Command, args []string) error {
	queueID := ""
	if len(args) == 1 {
		queueID = args[0]
	}
	if queueID == "" && watchNegotiation == "" {
		return fmt.Errorf("queue id or --negotiation is required")
	}

	// 1. Check if Daemon is running
	if !isDaemonRunning() {
		fmt.Println("simq daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	// 2. Launch TUI
	app := tui.New(apiAddr, queueID, watchNegotiation)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	health, err := CheckHealth()
	return err == nil && health.OK
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Start "simq daemon" in background
	cmd := exec.Command(exe, "daemon", "--config", configPath)
	// Detach process so it survives TUI exit
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	// Wait for it to become ready
	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	fmt.Println(" Timeout.")
	return fmt.Errorf("daemon did not become ready")
}
