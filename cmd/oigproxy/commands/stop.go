package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopPidFile string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running proxy",
	Long: `Stop a proxy started in background (daemon) mode.

Reads the PID file written at startup and sends SIGTERM, waiting briefly
for the process to exit.

Examples:
  # Stop using the default PID file
  oigproxy stop

  # Stop using a custom PID file
  oigproxy stop --pid-file /run/oigproxy.pid`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/oigproxy/oigproxy.pid)")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("oigproxy does not appear to be running (no PID file at %s)", pidPath)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidPath, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone; clean up the stale PID file.
		_ = os.Remove(pidPath)
		return fmt.Errorf("process %d is not running (removed stale PID file)", pid)
	}

	fmt.Printf("Sent SIGTERM to oigproxy (PID %d), waiting for shutdown", pid)
	for i := 0; i < 30; i++ {
		time.Sleep(200 * time.Millisecond)
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("\noigproxy stopped")
			_ = os.Remove(pidPath)
			return nil
		}
		fmt.Print(".")
	}

	fmt.Println()
	return fmt.Errorf("oigproxy (PID %d) did not exit in time; it may still be draining", pid)
}
