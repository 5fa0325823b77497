package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wonopcode/wonopcode/internal/event"
	"github.com/wonopcode/wonopcode/internal/logging"
	"github.com/wonopcode/wonopcode/internal/permission"
	"github.com/wonopcode/wonopcode/internal/tool"
	"github.com/wonopcode/wonopcode/pkg/types"
)

// executeToolCalls executes all pending tool calls in the state.
func (p *Processor) executeToolCalls(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	// Find all running tool parts
	var pendingTools []*types.ToolPart
	for _, part := range state.parts {
		if toolPart, ok := part.(*types.ToolPart); ok {
			if toolPart.State.Status == "running" {
				pendingTools = append(pendingTools, toolPart)
			}
		}
	}

	// Execute each tool
	for _, toolPart := range pendingTools {
		err := p.executeSingleTool(ctx, state, agent, toolPart, callback)
		if err != nil {
			// Error is captured in tool part, don't stop processing
			continue
		}
	}

	return nil
}

// executeSingleTool executes a single tool call.
func (p *Processor) executeSingleTool(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
	callback ProcessCallback,
) error {
	// Get the tool from registry
	t, ok := p.toolRegistry.Get(toolPart.Tool)
	if !ok {
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("Tool not found: %s", toolPart.Tool))
	}

	// Check permissions
	if err := p.checkToolPermission(ctx, state, agent, toolPart); err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	// Check for doom loop
	if err := p.checkDoomLoop(ctx, state, agent, toolPart); err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	logging.Debug().Interface("event", ToolObservedEvent{CallID: toolPart.CallID, Tool: toolPart.Tool}).
		Str("session", state.message.SessionID).Msg("tool dispatch: observed")

	// Prepare input JSON
	inputJSON, err := json.Marshal(toolPart.State.Input)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("Failed to marshal input: %v", err))
	}

	// Create tool context
	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	toolCtx := &tool.Context{
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Agent:     agent.Name,
		WorkDir: func() string {
			if state.message.Path != nil {
				return state.message.Path.Cwd
			}
			return ""
		}(),
		AbortCh:       abortCh,
		Sandbox:       p.sandbox,
		Mapper:        p.mapper,
		FileReadTimes: p.fileReadTimesFor(state.message.SessionID),
		Extra: map[string]any{
			"model": state.message.ModelID,
		},
	}

	// Set metadata callback for real-time updates
	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		toolPart.State.Title = title
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.State.Metadata[k] = v
		}

		// Publish event (SDK compatible: uses MessagePartUpdated)
		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{
				Part: toolPart,
			},
		})

		callback(state.message, state.parts)
	}

	// Execute tool
	result, err := t.Execute(ctx, inputJSON, toolCtx)

	logging.Debug().Interface("event", ToolResultObservedEvent{CallID: toolPart.CallID, Err: err}).
		Str("session", state.message.SessionID).Msg("tool dispatch: result observed")

	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	// Update tool part with result
	now := time.Now().UnixMilli()
	toolPart.State.Status = "completed"
	toolPart.State.Output = result.Output
	toolPart.State.Title = result.Title
	toolPart.State.Time.End = &now

	if result.Metadata != nil {
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.State.Metadata[k] = v
		}
	}

	// Handle attachments - convert to types.FilePart and add to state
	if len(result.Attachments) > 0 {
		toolPart.State.Attachments = make([]types.FilePart, len(result.Attachments))
		for i, att := range result.Attachments {
			toolPart.State.Attachments[i] = types.FilePart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "file",
				Filename:  att.Filename,
				MediaType: att.MediaType,
				URL:       att.URL,
			}
		}
	}

	// Record diff for edit-like tools when metadata contains before/after
	p.recordDiff(state, toolPart)

	// Save updated part
	p.savePart(ctx, state.message.ID, toolPart)

	// Publish event (SDK compatible: uses MessagePartUpdated)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{
			Part: toolPart,
		},
	})

	callback(state.message, state.parts)
	return nil
}

// failTool marks a tool as failed with an error.
func (p *Processor) failTool(
	ctx context.Context,
	state *sessionState,
	toolPart *types.ToolPart,
	callback ProcessCallback,
	errMsg string,
) error {
	now := time.Now().UnixMilli()
	toolPart.State.Status = "error"
	toolPart.State.Error = errMsg
	toolPart.State.Time.End = &now

	p.savePart(ctx, state.message.ID, toolPart)

	// Publish event (SDK compatible: uses MessagePartUpdated)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{
			Part: toolPart,
		},
	})

	callback(state.message, state.parts)
	return errors.New(errMsg)
}

// checkToolPermission checks if the tool execution is permitted.
func (p *Processor) checkToolPermission(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
) error {
	toolName := strings.ToLower(toolPart.Tool)

	var action string
	switch toolName {
	case "bash":
		if cmd, ok := toolPart.State.Input["command"].(string); ok {
			action = cmd
		}
	case "write", "edit", "multiedit", "patch":
		if path, ok := toolPart.State.Input["filePath"].(string); ok {
			action = path
		}
	case "webfetch", "websearch":
		// no path/action narrowing beyond the tool name itself
	default:
		// Other tools don't require permission
		return nil
	}

	if p.ruleManager != nil {
		req := permission.CheckRequest{
			Tool:        toolName,
			Action:      action,
			Description: fmt.Sprintf("Allow %s?", toolPart.Tool),
			Details:     toolPart.State.Input,
		}
		return p.ruleManager.Check(ctx, state.message.SessionID, state.message.ID, toolPart.CallID, req)
	}

	if p.permissionChecker == nil {
		return nil
	}

	var permType permission.PermissionType
	var permAction permission.PermissionAction
	var pattern []string
	if action != "" {
		pattern = []string{action}
	}

	switch toolName {
	case "bash":
		permType = permission.PermBash
		switch agent.Permission.Bash {
		case "allow":
			permAction = permission.ActionAllow
		case "deny":
			permAction = permission.ActionDeny
		default:
			permAction = permission.ActionAsk
		}
	case "write", "edit", "multiedit", "patch":
		permType = permission.PermEdit
		switch agent.Permission.Write {
		case "allow":
			permAction = permission.ActionAllow
		case "deny":
			permAction = permission.ActionDeny
		default:
			permAction = permission.ActionAsk
		}
	default:
		return nil
	}

	req := permission.Request{
		Type:      permType,
		Pattern:   pattern,
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Title:     fmt.Sprintf("Allow %s?", toolPart.Tool),
	}

	return p.permissionChecker.Check(ctx, req, permAction)
}

// recordDiff captures file diffs from tool metadata and updates session summary/state.
func (p *Processor) recordDiff(state *sessionState, toolPart *types.ToolPart) error {
	if toolPart.State.Metadata == nil {
		toolPart.State.Metadata = make(map[string]any)
	}

	pathVal, ok := toolPart.State.Metadata["file"].(string)
	if !ok || pathVal == "" {
		return nil
	}

	before, okBefore := toolPart.State.Metadata["before"].(string)
	after, okAfter := toolPart.State.Metadata["after"].(string)
	if !okBefore || !okAfter {
		return nil
	}

	root := ""
	if state.message.Path != nil {
		root = state.message.Path.Root
	}

	diffText, additions, deletions := tool.BuildDiffMetadata(pathVal, before, after, root)
	relPath := pathVal
	if root != "" {
		if rp, err := filepath.Rel(root, pathVal); err == nil {
			relPath = rp
		}
	}

	fileDiff := types.FileDiff{
		File:      relPath,
		Additions: additions,
		Deletions: deletions,
		Before:    before,
		After:     after,
	}

	// Load session to update summary
	session, err := p.loadSession(state.message.SessionID)
	if err != nil {
		return err
	}

	// Replace existing diff for same path, then append
	var filtered []types.FileDiff
	for _, d := range session.Summary.Diffs {
		if d.File != relPath {
			filtered = append(filtered, d)
		}
	}
	filtered = append(filtered, fileDiff)
	session.Summary.Diffs = filtered

	// Recompute summary totals
	adds, dels, files := 0, 0, len(session.Summary.Diffs)
	for _, d := range session.Summary.Diffs {
		adds += d.Additions
		dels += d.Deletions
	}
	session.Summary.Additions = adds
	session.Summary.Deletions = dels
	session.Summary.Files = files
	session.Time.Updated = time.Now().UnixMilli()

	if err := p.saveSession(session); err != nil {
		return err
	}

	// Publish updated session diff
	event.PublishSync(event.Event{
		Type: event.SessionDiff,
		Data: event.SessionDiffData{SessionID: session.ID, Diff: session.Summary.Diffs},
	})

	// Attach diff text to metadata for consumers (non-breaking)
	toolPart.State.Metadata["diff"] = diffText
	if toolPart.Metadata == nil {
		toolPart.Metadata = map[string]any{}
	}
	toolPart.Metadata["diff"] = diffText
	return nil
}

func (p *Processor) loadSession(sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(context.Background(), []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(context.Background(), []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}
	return nil, fmt.Errorf("session %s not found", sessionID)
}

func (p *Processor) saveSession(session *types.Session) error {
	return p.storage.Put(context.Background(), []string{"session", session.ProjectID, session.ID}, session)
}

// checkDoomLoop detects and handles repetitive tool calls.
func (p *Processor) checkDoomLoop(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
) error {
	// Count identical tool calls
	count := 0
	inputJSON, _ := json.Marshal(toolPart.State.Input)
	inputStr := string(inputJSON)

	for _, part := range state.parts {
		if tp, ok := part.(*types.ToolPart); ok {
			if tp.Tool == toolPart.Tool && tp.State.Status == "completed" {
				otherInput, _ := json.Marshal(tp.State.Input)
				if string(otherInput) == inputStr {
					count++
				}
			}
		}
	}

	// Threshold for doom loop detection
	if count < 3 {
		return nil
	}

	// Check permission policy
	switch agent.Permission.DoomLoop {
	case "allow":
		return nil

	case "deny":
		return fmt.Errorf("doom loop detected: %s called %d times with same input", toolPart.Tool, count)

	case "ask", "":
		if p.permissionChecker == nil {
			return nil
		}

		// Request permission from user
		req := permission.Request{
			Type:      permission.PermDoomLoop,
			Pattern:   []string{toolPart.Tool},
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			CallID:    toolPart.CallID,
			Title:     fmt.Sprintf("Allow repeated %s call?", toolPart.Tool),
		}

		return p.permissionChecker.Ask(ctx, req)
	}

	return nil
}

// waitForPermission waits for a permission response.
func (p *Processor) waitForPermission(ctx context.Context, requestID string) (bool, error) {
	// This is handled by the permission checker's Ask method
	// which blocks until a response is received
	return true, nil
}

// ToolState represents the current state of tool execution.
type ToolState string

const (
	ToolStatePending   ToolState = "pending"
	ToolStateRunning   ToolState = "running"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
)
