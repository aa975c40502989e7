package command

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamavenir/intercom/internal/config"
	"github.com/adamavenir/intercom/internal/daemon"
)

func NewCtlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl <status|sessions|interrupt|shutdown> [session-id]",
		Short: "Send a control command to a running bridge",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCtl,
	}
	return cmd
}

func runCtl(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd))
	if err != nil {
		return err
	}

	req := daemon.ControlRequest{Op: args[0]}
	if len(args) > 1 {
		req.SessionID = args[1]
	}

	resp, err := sendControl(cfg.SocketPath, req)
	if err != nil {
		return fmt.Errorf("bridge not reachable at %s: %w", cfg.SocketPath, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}

	out := cmd.OutOrStdout()
	switch req.Op {
	case "status":
		fmt.Fprintf(out, "running (mode: %s)\n", resp.Mode)
	case "sessions":
		if len(resp.Sessions) == 0 {
			fmt.Fprintln(out, "No sessions.")
			break
		}
		for _, s := range resp.Sessions {
			fmt.Fprintf(out, "%s  %s/%s  %s\n", s.ID, s.Status, s.Connectivity, s.ProtocolMode)
		}
	default:
		fmt.Fprintln(out, "ok")
	}
	return nil
}

func sendControl(path string, req daemon.ControlRequest) (*daemon.ControlResponse, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp daemon.ControlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
