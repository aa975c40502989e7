package daemon

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adamavenir/intercom/internal/chat"
	"github.com/adamavenir/intercom/internal/config"
	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/policy"
	"github.com/adamavenir/intercom/internal/types"
)

type activeFixture struct {
	daemon    *Daemon
	conn      *sql.DB
	messenger *chat.MemoryMessenger
	workspace string
}

// newActiveFixture builds a daemon in active mode whose "agent" is a shell
// script, so the spawn, framing, and startup-window paths run for real.
func newActiveFixture(t *testing.T, script string, tune func(*config.Config)) *activeFixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := db.InitSchema(conn); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := policy.NewStore("", log)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}

	workspace := t.TempDir()
	cfg := &config.Config{
		OperatorID:    testOperator,
		Mode:          string(types.ModeActive),
		ChannelID:     "C1",
		WorkspaceRoot: workspace,
		Agent: config.Agent{
			Binary: "sh",
			Args:   []string{"-c", script},
		},
		Stall: config.Stall{
			Threshold: config.Duration(time.Hour),
			MaxNudges: 3,
		},
	}
	cfg.Timeouts.Startup = config.Duration(time.Hour)
	cfg.MaxLineBytes = 1 << 20
	if tune != nil {
		tune(cfg)
	}

	messenger := chat.NewMemoryMessenger()
	d, err := New(Options{
		Config:    cfg,
		Logger:    log,
		Database:  conn,
		Messenger: messenger,
		Notifier:  chat.NewNotifier(false, log),
		Policy:    store,
		Active:    driver.NewActiveDriver(),
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	return &activeFixture{daemon: d, conn: conn, messenger: messenger, workspace: workspace}
}

func TestInitialPromptTravelsOverStream(t *testing.T) {
	// The agent announces itself, then copies everything it receives on
	// stdin into a file the test can read.
	script := `printf '{"method":"heartbeat","params":{}}\n'; cat > "$INTERCOM_WORKSPACE_ROOT/agent-stdin.log"`
	f := newActiveFixture(t, script, nil)

	prompt := "fix the failing build"
	sess, err := f.daemon.StartActiveSession(&prompt)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if sess.InitialPrompt == nil || *sess.InitialPrompt != prompt {
		t.Fatalf("initial prompt not persisted: %+v", sess.InitialPrompt)
	}

	logPath := filepath.Join(f.workspace, "agent-stdin.log")
	waitFor(t, "prompt on agent stdin", func() bool {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return false
		}
		return strings.Contains(string(data), types.MethodPromptSend) &&
			strings.Contains(string(data), prompt)
	})
}

func TestStartupWindowKillReportsReason(t *testing.T) {
	// The agent never speaks.
	f := newActiveFixture(t, "sleep 5", func(cfg *config.Config) {
		cfg.Timeouts.Startup = config.Duration(100 * time.Millisecond)
	})

	sess, err := f.daemon.StartActiveSession(nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	waitFor(t, "session terminated", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.Status == types.StatusTerminated
	})
	waitFor(t, "startup reason posted", func() bool {
		for _, msg := range f.messenger.Recorded() {
			if strings.Contains(msg.Text, "startup window") {
				return true
			}
		}
		return false
	})
}

func TestRestartActiveSession(t *testing.T) {
	script := `printf '{"method":"heartbeat","params":{}}\n'; exec sleep 60`
	f := newActiveFixture(t, script, nil)

	sess, err := f.daemon.StartActiveSession(nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, "session active", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.Status == types.StatusActive
	})

	successor, err := f.daemon.Restart(testOperator, sess.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if successor.RestartOf == nil || *successor.RestartOf != sess.ID {
		t.Fatalf("missing restart link: %+v", successor.RestartOf)
	}
	waitFor(t, "predecessor terminated", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.Status == types.StatusTerminated
	})
}
