package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/types"
)

type askApprovalArgs struct {
	Title       string `json:"title" jsonschema:"Short summary of the action needing clearance"`
	Description string `json:"description,omitempty" jsonschema:"Longer explanation of what will happen and why"`
	Diff        string `json:"diff,omitempty" jsonschema:"Unified diff of the proposed change, if applicable"`
	FilePath    string `json:"file_path,omitempty" jsonschema:"Primary file the action touches"`
	RiskLevel   string `json:"risk_level,omitempty" jsonschema:"One of low, high, critical"`
}

type forwardPromptArgs struct {
	PromptText string `json:"prompt_text" jsonschema:"The question to put to the operator"`
	PromptType string `json:"prompt_type,omitempty" jsonschema:"Hint about the expected answer, e.g. choice or free-form"`
}

type reportStatusArgs struct {
	Message string `json:"message" jsonschema:"Progress update to show the operator"`
}

type heartbeatArgs struct {
	Progress []types.ProgressItem `json:"progress,omitempty" jsonschema:"Optional snapshot of in-progress tasks"`
}

type waitArgs struct{}

func registerTools(server *mcp.Server, deps *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_approval",
		Description: "Request operator clearance for a risky action. Blocks until the operator or policy decides, or the request times out.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args askApprovalArgs) (*mcp.CallToolResult, any, error) {
		return handleAskApproval(ctx, deps, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forward_prompt",
		Description: "Forward a question the agent cannot answer alone to the operator and wait for their reply.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args forwardPromptArgs) (*mcp.CallToolResult, any, error) {
		return handleForwardPrompt(ctx, deps, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "report_status",
		Description: "Post a progress update to the operator's thread. Non-blocking.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args reportStatusArgs) (*mcp.CallToolResult, any, error) {
		return handleReportStatus(ctx, deps, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "heartbeat",
		Description: "Signal liveness and collect any queued operator instructions. Call periodically during long work.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args heartbeatArgs) (*mcp.CallToolResult, any, error) {
		return handleHeartbeat(ctx, deps, args), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wait_for_instruction",
		Description: "Block until the operator sends an instruction. Returns immediately if one is already queued.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args waitArgs) (*mcp.CallToolResult, any, error) {
		return handleWait(ctx, deps), nil, nil
	})
}

func handleAskApproval(ctx context.Context, deps *Deps, args askApprovalArgs) *mcp.CallToolResult {
	if strings.TrimSpace(args.Title) == "" {
		return toolError("title is required")
	}
	requestID := uuid.NewString()

	ch, err := deps.Driver.RegisterApproval(deps.SessionID, requestID)
	if err != nil {
		return toolError(err.Error())
	}

	event := types.AgentEvent{
		Kind:        types.EventApprovalRequested,
		SessionID:   deps.SessionID,
		RequestID:   requestID,
		Title:       args.Title,
		Description: args.Description,
		FilePath:    args.FilePath,
		RiskLevel:   args.RiskLevel,
	}
	if args.Diff != "" {
		event.Diff = &args.Diff
	}
	if !deps.emit(ctx, event) {
		return toolError("bridge is shutting down")
	}

	decision := deps.Driver.AwaitApproval(ctx, deps.SessionID, requestID, ch, deps.Timeouts.Approval)
	switch decision.Status {
	case driver.DecisionApproved:
		return toolResult("Approved." + reasonSuffix(decision.Reason))
	case driver.DecisionRejected:
		return toolResult("Rejected." + reasonSuffix(decision.Reason))
	case driver.DecisionTimeout:
		return toolResult("No decision arrived in time. Treat this as not approved; you may ask again.")
	default:
		return toolResult("The request expired without a decision. Treat this as not approved.")
	}
}

func handleForwardPrompt(ctx context.Context, deps *Deps, args forwardPromptArgs) *mcp.CallToolResult {
	if strings.TrimSpace(args.PromptText) == "" {
		return toolError("prompt_text is required")
	}
	promptID := uuid.NewString()

	ch, err := deps.Driver.RegisterPrompt(deps.SessionID, promptID)
	if err != nil {
		return toolError(err.Error())
	}

	ok := deps.emit(ctx, types.AgentEvent{
		Kind:       types.EventPromptForwarded,
		SessionID:  deps.SessionID,
		PromptID:   promptID,
		PromptText: args.PromptText,
		PromptType: args.PromptType,
	})
	if !ok {
		return toolError("bridge is shutting down")
	}

	decision := deps.Driver.AwaitPrompt(ctx, deps.SessionID, promptID, ch, deps.Timeouts.Prompt)
	if decision.Expired {
		return toolResult("The operator did not answer in time. Proceed with your best judgment.")
	}
	return toolResult("Operator answered: " + decision.Response)
}

func handleReportStatus(ctx context.Context, deps *Deps, args reportStatusArgs) *mcp.CallToolResult {
	if strings.TrimSpace(args.Message) == "" {
		return toolError("message is required")
	}
	ok := deps.emit(ctx, types.AgentEvent{
		Kind:      types.EventStatusUpdate,
		SessionID: deps.SessionID,
		Message:   args.Message,
	})
	if !ok {
		return toolError("bridge is shutting down")
	}
	return toolResult("Status posted.")
}

func handleHeartbeat(ctx context.Context, deps *Deps, args heartbeatArgs) *mcp.CallToolResult {
	ok := deps.emit(ctx, types.AgentEvent{
		Kind:      types.EventLiveness,
		SessionID: deps.SessionID,
		Progress:  args.Progress,
	})
	if !ok {
		return toolError("bridge is shutting down")
	}

	queued, err := db.DrainInbox(deps.DB, deps.SessionID)
	if err != nil {
		deps.Log.Warn("drain inbox failed", "session_id", deps.SessionID, "error", err)
		return toolResult("Heartbeat recorded.")
	}
	if len(queued) == 0 {
		return toolResult("Heartbeat recorded. No pending instructions.")
	}
	return toolResult(formatInstructions(queued))
}

func handleWait(ctx context.Context, deps *Deps) *mcp.CallToolResult {
	// Anything already queued satisfies the wait without blocking.
	queued, err := db.DrainInbox(deps.DB, deps.SessionID)
	if err != nil {
		return toolError(err.Error())
	}
	if len(queued) > 0 {
		return toolResult(formatInstructions(queued))
	}

	ch, err := deps.Driver.RegisterWait(deps.SessionID)
	if err != nil {
		return toolError(err.Error())
	}

	ok := deps.emit(ctx, types.AgentEvent{
		Kind:      types.EventLiveness,
		SessionID: deps.SessionID,
	})
	if !ok {
		return toolError("bridge is shutting down")
	}

	decision := deps.Driver.AwaitWait(ctx, deps.SessionID, ch, deps.Timeouts.Wait)
	switch {
	case decision.Interrupted:
		return toolResult("Interrupted by the operator. Stop your current work and wait for direction.")
	case decision.Instruction != "":
		return toolResult("Instruction: " + decision.Instruction)
	default:
		return toolResult("No instruction arrived. You may resume autonomous work or wait again.")
	}
}

func formatInstructions(queued []string) string {
	if len(queued) == 1 {
		return "Instruction: " + queued[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d instructions queued:\n", len(queued))
	for i, text := range queued {
		fmt.Fprintf(&b, "%d. %s\n", i+1, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func toolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

func reasonSuffix(reason *string) string {
	if reason == nil || *reason == "" {
		return ""
	}
	return " Reason: " + *reason
}
