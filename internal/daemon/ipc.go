package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/adamavenir/intercom/internal/types"
)

// ControlRequest is one line on the local control socket.
type ControlRequest struct {
	Op        string `json:"op"` // status | sessions | interrupt | shutdown
	SessionID string `json:"session_id,omitempty"`
}

// ControlResponse answers a control request.
type ControlResponse struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Sessions []types.Session `json:"sessions,omitempty"`
}

// ControlServer exposes out-of-band local control over a unix socket:
// newline-delimited JSON, one request per line, one response per line.
type ControlServer struct {
	daemon   *Daemon
	path     string
	ln       net.Listener
	shutdown func()
}

// NewControlServer builds the control server. shutdown is invoked for the
// shutdown op; the command layer passes its signal-cancel hook.
func NewControlServer(d *Daemon, path string, shutdown func()) *ControlServer {
	return &ControlServer{daemon: d, path: path, shutdown: shutdown}
}

// Start listens on the socket and serves until ctx is cancelled. A stale
// socket file from a previous run is removed first.
func (s *ControlServer) Start(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.path)
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.daemon.log.Warn("control socket accept failed", "error", err)
				return
			}
			go s.handleConn(conn)
		}
	}()
	return nil
}

func (s *ControlServer) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req ControlRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.write(conn, ControlResponse{Error: "parse error"})
			continue
		}
		s.write(conn, s.handle(req))
	}
}

func (s *ControlServer) handle(req ControlRequest) ControlResponse {
	d := s.daemon
	switch req.Op {
	case "status":
		return ControlResponse{OK: true, Mode: d.cfg.Mode}

	case "sessions":
		sessions, err := d.sessions.List()
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Sessions: sessions}

	case "interrupt":
		if req.SessionID == "" {
			return ControlResponse{Error: "session_id is required"}
		}
		// Local control acts as the configured operator.
		if err := d.Interrupt(d.cfg.OperatorID, req.SessionID); err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true}

	case "shutdown":
		if s.shutdown != nil {
			go s.shutdown()
		}
		return ControlResponse{OK: true}
	}
	return ControlResponse{Error: "unknown op " + req.Op}
}

func (s *ControlServer) write(conn net.Conn, resp ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(append(data, '\n'))
}
