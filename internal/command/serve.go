package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adamavenir/intercom/internal/chat"
	"github.com/adamavenir/intercom/internal/config"
	"github.com/adamavenir/intercom/internal/daemon"
	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/mcp"
	"github.com/adamavenir/intercom/internal/policy"
	"github.com/adamavenir/intercom/internal/session"
	"github.com/adamavenir/intercom/internal/types"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Long:  "Runs the bridge: in passive mode it serves MCP on stdio for an attaching agent;\nin active mode it spawns and drives the configured agent process.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("prompt", "", "initial prompt for the agent (active mode)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath(cmd)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := newLogger(cmd)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	policyStore, err := policy.NewStore(cfg.PolicyPath, log)
	if err != nil {
		return err
	}
	if err := policyStore.Watch(); err != nil {
		log.Warn("policy hot reload unavailable", "error", err)
	}
	defer policyStore.Close()

	messenger := chat.NewQueue(chat.NewLogMessenger(log), chat.QueueConfig{}, log)
	notifier := chat.NewNotifier(cfg.Notifications, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := daemon.Options{
		Config:    cfg,
		Logger:    log,
		Database:  database,
		Messenger: messenger,
		Notifier:  notifier,
		Policy:    policyStore,
	}

	if cfg.Mode == string(types.ModeActive) {
		prompt, _ := cmd.Flags().GetString("prompt")
		return serveActive(ctx, stop, cfg, log, opts, prompt)
	}
	return servePassive(ctx, stop, cfgPath, cfg, log, opts)
}

func servePassive(ctx context.Context, stop func(), cfgPath string, cfg *config.Config, log *slog.Logger, opts daemon.Options) error {
	passiveDrv := driver.NewPassiveDriver(opts.Database)
	opts.Passive = passiveDrv

	d, err := daemon.New(opts)
	if err != nil {
		return err
	}
	d.Start(ctx)
	defer d.Stop()

	mappings := config.NewMappingStore(cfgPath, cfg.Mappings, log.With("component", "config"))
	if err := mappings.Watch(); err != nil {
		log.Warn("mapping hot reload unavailable", "error", err)
	}
	defer mappings.Close()

	sess, err := d.Sessions().Create(session.CreateParams{
		OwnerID:      cfg.OperatorID,
		ProtocolMode: types.ModePassive,
		ChannelID:    resolveChannel(cfg, mappings),
	})
	if err != nil {
		return err
	}
	d.RegisterPassiveSession(sess.ID)
	log.Info("passive session ready", "session_id", sess.ID, "workspace", cfg.WorkspaceRoot)

	ctl := daemon.NewControlServer(d, cfg.SocketPath, stop)
	if err := ctl.Start(ctx); err != nil {
		log.Warn("control socket unavailable", "error", err)
	}

	server := mcp.New(Version, mcp.Deps{
		SessionID: sess.ID,
		Driver:    passiveDrv,
		Events:    d.Events(),
		DB:        opts.Database,
		Timeouts: mcp.Timeouts{
			Approval: cfg.Timeouts.Approval.Std(),
			Prompt:   cfg.Timeouts.Prompt.Std(),
			Wait:     cfg.Timeouts.Wait.Std(),
		},
		Log: log,
	})
	err = server.Run(ctx)

	// The host hung up; the session is over.
	_ = d.Sessions().Terminate(sess.ID)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func serveActive(ctx context.Context, stop func(), cfg *config.Config, log *slog.Logger, opts daemon.Options, prompt string) error {
	opts.Active = driver.NewActiveDriver()

	d, err := daemon.New(opts)
	if err != nil {
		return err
	}
	d.Start(ctx)
	defer d.Stop()

	var initialPrompt *string
	if prompt != "" {
		initialPrompt = &prompt
	}
	sess, err := d.StartActiveSession(initialPrompt)
	if err != nil {
		return err
	}
	log.Info("active session started", "session_id", sess.ID, "binary", cfg.Agent.Binary)

	ctl := daemon.NewControlServer(d, cfg.SocketPath, stop)
	if err := ctl.Start(ctx); err != nil {
		log.Warn("control socket unavailable", "error", err)
	}

	<-ctx.Done()
	return nil
}

// resolveChannel picks the passive session's channel: the workspace mapping
// first, then the configured default.
func resolveChannel(cfg *config.Config, mappings *config.MappingStore) *string {
	if cfg.WorkspaceRoot != "" {
		namespace := filepath.Base(cfg.WorkspaceRoot)
		if channel, ok := mappings.Resolve(namespace); ok {
			return &channel
		}
	}
	if cfg.ChannelID != "" {
		channel := cfg.ChannelID
		return &channel
	}
	return nil
}

func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "intercom.yaml"
	}
	return filepath.Join(home, ".intercom", "intercom.yaml")
}

// newLogger builds the process logger. Logs go to stderr; in passive mode
// stdout belongs to the MCP transport.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
