// Package daemon runs the bridge: it consumes agent events, talks to the
// operator's chat channel, applies the auto-approve policy, tracks stalls,
// and executes operator actions through the session driver.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adamavenir/intercom/internal/chat"
	"github.com/adamavenir/intercom/internal/config"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/frame"
	"github.com/adamavenir/intercom/internal/policy"
	"github.com/adamavenir/intercom/internal/session"
	"github.com/adamavenir/intercom/internal/stall"
	"github.com/adamavenir/intercom/internal/types"
)

// eventBuffer absorbs bursts from reader goroutines without blocking them.
const eventBuffer = 128

// Daemon wires the bridge's pieces together around the shared event channel.
type Daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	database *sql.DB

	sessions *session.Manager
	router   *session.Router
	drv      driver.Driver
	passive  *driver.PassiveDriver // nil in active mode
	active   *driver.ActiveDriver  // nil in passive mode

	messenger chat.Messenger
	notifier  *chat.Notifier
	policy    *policy.Store
	monitor   *stall.Monitor

	events chan types.AgentEvent

	mu          sync.Mutex
	procs       map[string]*driver.Process // session_id -> owned process handle
	started     map[string]bool            // session_id -> first event seen
	startupT    map[string]*time.Timer     // session_id -> startup deadline
	termReasons map[string]string          // session_id -> reason for a kill we initiated

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the daemon's collaborators; the command layer builds them
// from config.
type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Database  *sql.DB
	Messenger chat.Messenger
	Notifier  *chat.Notifier
	Policy    *policy.Store
	Passive   *driver.PassiveDriver
	Active    *driver.ActiveDriver
}

// New assembles a daemon. Exactly one of Passive/Active must be set,
// matching the configured mode.
func New(opts Options) (*Daemon, error) {
	if (opts.Passive == nil) == (opts.Active == nil) {
		return nil, fmt.Errorf("exactly one driver must be provided")
	}
	log := opts.Logger.With("component", "daemon")

	d := &Daemon{
		cfg:       opts.Config,
		log:       log,
		database:  opts.Database,
		sessions:  session.NewManager(opts.Database, opts.Logger.With("component", "session")),
		router:    session.NewRouter(opts.Database),
		passive:   opts.Passive,
		active:    opts.Active,
		messenger: opts.Messenger,
		notifier:  opts.Notifier,
		policy:    opts.Policy,
		monitor: stall.NewMonitor(stall.Config{
			Threshold: opts.Config.Stall.Threshold.Std(),
			MaxNudges: opts.Config.Stall.MaxNudges,
		}, opts.Logger.With("component", "stall")),
		events:      make(chan types.AgentEvent, eventBuffer),
		procs:       make(map[string]*driver.Process),
		started:     make(map[string]bool),
		startupT:    make(map[string]*time.Timer),
		termReasons: make(map[string]string),
	}
	if opts.Passive != nil {
		d.drv = opts.Passive
	} else {
		d.drv = opts.Active
	}
	return d, nil
}

// Events exposes the shared event channel; drivers and readers feed it.
func (d *Daemon) Events() chan<- types.AgentEvent {
	return d.events
}

// Sessions exposes the session manager for the command layer and tools.
func (d *Daemon) Sessions() *session.Manager {
	return d.sessions
}

// Start launches the event consumer and stall consumer, then resumes stall
// tracking for sessions that were live when a previous bridge run ended.
func (d *Daemon) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.consumeEvents()
	}()
	go func() {
		defer d.wg.Done()
		d.consumeStallEvents()
	}()

	d.ResumeSessions()
}

// ResumeSessions rehydrates stall tracking from the database. The persisted
// last_activity_at seeds each watcher, so a session that was already overdue
// before the bridge restarted is nudged right away instead of getting a
// fresh threshold.
func (d *Daemon) ResumeSessions() {
	live, err := d.sessions.ListLive()
	if err != nil {
		d.log.Error("resume live sessions failed", "error", err)
		return
	}
	for _, s := range live {
		d.monitor.WatchSince(s.ID, time.UnixMilli(s.LastActivityAt))
		d.log.Info("resumed stall tracking",
			"session_id", s.ID, "last_activity_at", s.LastActivityAt)
	}
}

// Stop shuts the daemon down: kills spawned processes, stops monitors, and
// waits for the consumers to drain.
func (d *Daemon) Stop() {
	d.mu.Lock()
	for id, proc := range d.procs {
		d.log.Info("killing agent process on shutdown", "session_id", id)
		_ = proc.Kill()
	}
	for _, timer := range d.startupT {
		timer.Stop()
	}
	d.mu.Unlock()

	d.monitor.Close()
	d.cancel()
	d.wg.Wait()
}

// StartActiveSession creates a session, spawns the configured agent for it,
// and wires its streams. Used in active mode at daemon start and on restart.
func (d *Daemon) StartActiveSession(initialPrompt *string) (types.Session, error) {
	channel := d.cfg.ChannelID
	sess, err := d.sessions.Create(session.CreateParams{
		OwnerID:       d.cfg.OperatorID,
		ProtocolMode:  types.ModeActive,
		ChannelID:     &channel,
		InitialPrompt: initialPrompt,
	})
	if err != nil {
		return types.Session{}, err
	}
	if err := d.attachProcess(sess); err != nil {
		_ = d.sessions.Terminate(sess.ID)
		return types.Session{}, err
	}
	return sess, nil
}

// attachProcess spawns the agent child for a session and starts its stream
// goroutines, exit watcher, startup timer, and stall watcher. The initial
// prompt travels as a prompt/send frame once the stream is up, never on the
// command line.
func (d *Daemon) attachProcess(sess types.Session) error {
	proc, err := driver.Spawn(d.ctx, d.log, driver.SpawnConfig{
		SessionID:     sess.ID,
		Binary:        d.cfg.Agent.Binary,
		Args:          append([]string(nil), d.cfg.Agent.Args...),
		WorkspaceRoot: d.cfg.WorkspaceRoot,
	})
	if err != nil {
		return fmt.Errorf("spawn agent: %w", err)
	}

	outbound, err := d.active.RegisterSession(sess.ID)
	if err != nil {
		_ = proc.Kill()
		return err
	}

	d.mu.Lock()
	d.procs[sess.ID] = proc
	d.started[sess.ID] = false
	// If the agent never speaks, kill it; the exit watcher emits the
	// terminated event and the stashed reason replaces its generic one.
	d.startupT[sess.ID] = time.AfterFunc(d.cfg.Timeouts.Startup.Std(), func() {
		d.log.Error("agent produced no output within startup window, killing",
			"session_id", sess.ID, "timeout", d.cfg.Timeouts.Startup.Std())
		d.mu.Lock()
		d.termReasons[sess.ID] = "agent produced no output within the startup window"
		d.mu.Unlock()
		_ = proc.Kill()
	})
	d.mu.Unlock()

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		frame.RunReader(d.ctx, d.log, sess.ID, proc.Stdout, d.cfg.MaxLineBytes, d.events)
	}()
	go func() {
		defer d.wg.Done()
		frame.RunWriter(d.ctx, d.log, sess.ID, proc.Stdin, outbound)
	}()
	go func() {
		defer d.wg.Done()
		proc.WatchExit(d.ctx, d.log, d.events)
	}()

	d.monitor.Watch(sess.ID)

	if sess.InitialPrompt != nil {
		if err := d.active.SendPrompt(d.ctx, sess.ID, *sess.InitialPrompt); err != nil {
			d.log.Error("initial prompt delivery failed", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

// RegisterPassiveSession starts stall tracking for a session that attached
// over MCP.
func (d *Daemon) RegisterPassiveSession(sessionID string) {
	d.monitor.Watch(sessionID)
}
