// Package mcp is the passive attachment surface: an MCP stdio server the
// agent's host connects to. Every tool call feeds the daemon's shared event
// channel; blocking tools park on the passive driver's continuations until
// the operator (or policy) resolves them.
package mcp

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/types"
)

// Timeouts bounds the blocking tools.
type Timeouts struct {
	Approval time.Duration
	Prompt   time.Duration
	Wait     time.Duration
}

// Deps is everything the tools need. The daemon owns the event channel and
// the passive driver; the server is just their MCP face for one session.
type Deps struct {
	SessionID string
	Driver    *driver.PassiveDriver
	Events    chan<- types.AgentEvent
	DB        *sql.DB
	Timeouts  Timeouts
	Log       *slog.Logger
}

// Server wraps the SDK server for one attached session.
type Server struct {
	server *mcp.Server
}

// New builds the MCP server and registers the bridge tools.
func New(version string, deps Deps) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "intercom",
		Version: version,
	}, nil)
	registerTools(server, &deps)
	return &Server{server: server}
}

// Run serves MCP over stdio until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// emit publishes an event without blocking forever on a stopped daemon.
func (d *Deps) emit(ctx context.Context, event types.AgentEvent) bool {
	select {
	case d.Events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
