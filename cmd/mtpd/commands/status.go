package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	statusPidFile string
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show responder status",
	Long: `Display the current status of the mtpd responder: whether a
background instance is running and under which PID.

Examples:
  # Check status
  mtpd status

  # Output as JSON
  mtpd status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/mtpd/mtpd.pid)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
}

// serverStatus is the machine-readable status shape.
type serverStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	status := serverStatus{Message: "mtpd is not running"}

	if pidData, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					status.Running = true
					status.PID = pid
					status.Message = fmt.Sprintf("mtpd is running (PID %d)", pid)
				} else {
					status.Message = fmt.Sprintf("stale PID file at %s (PID %d not running)", pidPath, pid)
				}
			}
		}
	}

	if statusJSON {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(status.Message)
	return nil
}
