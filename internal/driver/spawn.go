package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/adamavenir/intercom/internal/types"
)

// envAllowlist is the only parent environment that crosses into a spawned
// agent. Everything else (tokens, cloud credentials) stays out.
var envAllowlist = []string{
	"PATH", "HOME", "USER", "SHELL",
	"LANG", "LC_ALL", "TERM", "TMPDIR",
	"SYSTEMROOT", "SYSTEMDRIVE", "WINDIR", // harmless elsewhere, required on Windows
}

// SpawnConfig describes one agent child process.
type SpawnConfig struct {
	SessionID     string
	Binary        string
	Args          []string
	WorkspaceRoot string
}

// Process is an owned handle to a spawned agent. Exactly one goroutine
// (WatchExit) calls Wait; everyone else signals through Kill.
type Process struct {
	SessionID string
	Stdin     io.WriteCloser
	Stdout    io.ReadCloser

	cmd *exec.Cmd
}

// Spawn starts the agent process with a scrubbed environment, its working
// directory pinned to the workspace root, and its std streams piped for
// framing. Stderr is drained to the log so the pipe never fills.
func Spawn(ctx context.Context, log *slog.Logger, cfg SpawnConfig) (*Process, error) {
	cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.WorkspaceRoot

	env := make([]string, 0, len(envAllowlist)+2)
	for _, key := range envAllowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	env = append(env,
		"INTERCOM_SESSION_ID="+cfg.SessionID,
		"INTERCOM_WORKSPACE_ROOT="+cfg.WorkspaceRoot,
	)
	cmd.Env = env
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", cfg.Binary, err)
	}
	log.Info("spawned agent process",
		"session_id", cfg.SessionID,
		"binary", cfg.Binary,
		"pid", cmd.Process.Pid,
	)

	go drainStderr(log, cfg.SessionID, stderr)

	return &Process{
		SessionID: cfg.SessionID,
		Stdin:     stdin,
		Stdout:    stdout,
		cmd:       cmd,
	}, nil
}

func drainStderr(log *slog.Logger, sessionID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		log.Debug("agent stderr", "session_id", sessionID, "line", scanner.Text())
	}
}

// Pid reports the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Kill force-terminates the child. The exit watcher observes the death and
// emits the terminated event; Kill itself does not.
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// WatchExit blocks until the process exits, then emits a session-terminated
// event carrying the exit code. Run in its own goroutine; it is the sole
// caller of Wait.
func (p *Process) WatchExit(ctx context.Context, log *slog.Logger, events chan<- types.AgentEvent) {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	log.Info("agent process exited", "session_id", p.SessionID, "exit_code", exitCode)

	event := types.AgentEvent{
		Kind:      types.EventSessionTerminated,
		SessionID: p.SessionID,
		ExitCode:  &exitCode,
		Reason:    fmt.Sprintf("process exited with code %d", exitCode),
	}
	select {
	case events <- event:
	case <-ctx.Done():
	}
}
