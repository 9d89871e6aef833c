package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"recall/internal/config"
	"recall/internal/doctor"

	"github.com/spf13/cobra"
)

func dial(cfg *config.Config) (net.Conn, error) {
	conn, err := net.Dial("unix", cfg.Paths.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon: %w", err)
	}
	return conn, nil
}

func roundTrip(cfg *config.Config, op string, resp any) error {
	conn, err := dial(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(Request{Op: op}); err != nil {
		return err
	}
	return json.NewDecoder(conn).Decode(resp)
}

// NewRecordCmd groups record start/stop.
func NewRecordCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Control the active recording",
	}
	cmd.AddCommand(newRecordStartCmd(cfgPath))
	cmd.AddCommand(newRecordStopCmd(cfgPath))
	return cmd
}

func newRecordStartCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start capturing a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			var resp RecordResponse
			if err := roundTrip(cfg, "record-start", &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("record start: %s", resp.Error)
			}
			fmt.Printf("recording (%s)\n", resp.State)
			return nil
		},
	}
}

func newRecordStopCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop capturing and process the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			var resp RecordResponse
			if err := roundTrip(cfg, "record-stop", &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("record stop: %s", resp.Error)
			}
			fmt.Printf("sealed %s; processing in background\n", resp.Path)
			return nil
		},
	}
}

// NewStatusCmd queries daemon status.
func NewStatusCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			var status Status
			if err := roundTrip(cfg, "status", &status); err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
			}
			fmt.Printf("running: %v\nuptime: %.1fs\ncapture: %s\n", status.Running, status.UptimeSec, status.Capture)
			for _, s := range status.Sessions {
				fmt.Printf("%s  %s  %s\n", s.FinishedAt.Format("15:04:05"), s.SessionID, s.Status)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

// NewHealthCmd pings the control socket.
func NewHealthCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			var resp SimpleResponse
			if err := roundTrip(cfg, "health", &resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("unhealthy: %s", resp.Message)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

// NewTailLogCmd tails the main log file (simple last N lines).
func NewTailLogCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail-log",
		Short: "Show last 50 log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return tailFile(cfg.Paths.LogPath, 50)
		},
	}
}

func tailFile(path string, n int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			fmt.Println(l)
		}
	}
	return nil
}

// NewDoctorCmd runs environment checks.
func NewDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			results := doctor.Run(cfg)
			exitCode := 0
			for _, r := range results {
				status := "ok"
				if !r.Pass {
					status = "fail"
					exitCode = 1
				}
				fmt.Printf("%-14s %-4s %s\n", r.Name, status, r.Detail)
			}
			if exitCode != 0 {
				return fmt.Errorf("doctor found issues")
			}
			return nil
		},
	}
}
