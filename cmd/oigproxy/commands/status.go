package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/oig-proxy/internal/config"
)

var (
	statusPidFile string
	statusAPIPort int
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy status",
	Long: `Display the current status of a running proxy.

Checks the PID file and the control API health endpoint and reports
whether the proxy is up and what it knows about the BOX and cloud links.

Examples:
  # Check status (API port read from config)
  oigproxy status

  # Check status with an explicit API port
  oigproxy status --api-port 8099

  # Output as JSON
  oigproxy status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/oigproxy/oigproxy.pid)")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 0, "Control API port (default: from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// proxyStatus is what the status command reports.
type proxyStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	stat := proxyStatus{Message: "Proxy is not running"}

	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if process.Signal(syscall.Signal(0)) == nil {
					stat.Running = true
					stat.PID = pid
				}
			}
		}
	}

	port := statusAPIPort
	if port == 0 {
		if cfg, err := config.Load(GetConfigFile()); err == nil {
			port = cfg.ControlAPI.Port
		}
	}

	if port != 0 {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", port))
		if err == nil {
			defer func() { _ = resp.Body.Close() }()
			var health struct {
				Status string `json:"status"`
				Detail string `json:"detail"`
			}
			if json.NewDecoder(resp.Body).Decode(&health) == nil {
				stat.Running = true
				stat.Healthy = health.Status == "ok"
				stat.Detail = health.Detail
				if stat.Healthy {
					stat.Message = "Proxy is running and healthy"
				} else {
					stat.Message = "Proxy is running but unhealthy"
				}
			}
		} else if stat.Running {
			stat.Message = "Proxy process exists but health check failed"
		}
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stat)
	}

	printStatus(stat)
	return nil
}

func printStatus(stat proxyStatus) {
	fmt.Println()
	fmt.Println("OIG Proxy Status")
	fmt.Println("================")
	fmt.Println()

	if stat.Running {
		if stat.Healthy {
			fmt.Printf("  Status:  \033[32m● Running\033[0m\n")
		} else {
			fmt.Printf("  Status:  \033[33m● Running (unhealthy)\033[0m\n")
		}
		if stat.PID != 0 {
			fmt.Printf("  PID:     %d\n", stat.PID)
		}
		if stat.Detail != "" {
			fmt.Printf("  Detail:  %s\n", stat.Detail)
		}
	} else {
		fmt.Printf("  Status:  \033[31m○ Stopped\033[0m\n")
	}

	fmt.Println()
	fmt.Printf("  %s\n", stat.Message)
	fmt.Println()
}
