package commands

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopPidFile string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running responder",
	Long: `Stop a background mtpd instance by sending it SIGTERM and waiting
for it to exit.

Examples:
  # Stop using the default PID file
  mtpd stop

  # Stop using a custom PID file
  mtpd stop --pid-file /run/mtpd.pid`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/mtpd/mtpd.pid)")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mtpd does not appear to be running (no PID file at %s)", pidPath)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidPath, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		_ = os.Remove(pidPath)
		return fmt.Errorf("mtpd (PID %d) is not running; removed stale PID file", pid)
	}

	// Wait up to 30 seconds for the process to exit.
	for i := 0; i < 300; i++ {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Printf("mtpd stopped (PID %d)\n", pid)
			_ = os.Remove(pidPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mtpd (PID %d) did not stop within 30s", pid)
}
