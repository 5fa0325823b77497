package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/wonopcode/wonopcode/internal/event"
	"github.com/wonopcode/wonopcode/internal/logging"
	"github.com/wonopcode/wonopcode/internal/provider"
	"github.com/wonopcode/wonopcode/pkg/types"
)

const (
	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the threshold for triggering context compaction.
	MaxContextTokens = 150000
)

// turnPhase locates a running assistant turn within the state machine: a
// session moves through building_context once per turn, then alternates
// between streaming and tool_dispatch for as many steps as the model
// requests tools, before reaching one of three terminal phases.
type turnPhase string

const (
	phaseIdle            turnPhase = "idle"
	phaseBuildingContext turnPhase = "building_context"
	phaseStreaming       turnPhase = "streaming"
	phaseToolDispatch    turnPhase = "tool_dispatch"
	phaseFinalizing      turnPhase = "finalizing"
	phaseCancelled       turnPhase = "cancelled"
	phaseFailed          turnPhase = "failed"
)

func (p *Processor) setPhase(state *sessionState, phase turnPhase) {
	state.phase = phase
}

// newRetryBackoff creates a new exponential backoff with jitter for API retries.
// Uses cenkalti/backoff for better retry behavior including jitter to prevent
// thundering herd problems and context-aware cancellation.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5 // Add jitter
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// runTurn drives one assistant turn through building_context, streaming,
// tool_dispatch (repeated once per step that requests tools), and finally
// one of finalizing/cancelled/failed.
func (p *Processor) runTurn(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	p.setPhase(state, phaseBuildingContext)

	messages, assistantMsg, model, prov, err := p.prepareTurn(ctx, sessionID, state, callback)
	if err != nil {
		p.setPhase(state, phaseFailed)
		return err
	}

	if agent == nil {
		agent = DefaultAgent()
	}
	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	retryBackoff := newRetryBackoff(ctx)

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			p.setPhase(state, phaseCancelled)
			assistantMsg.Error = &types.MessageError{Type: "abort", Message: "Processing aborted"}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return err
		}

		if step >= maxSteps {
			p.setPhase(state, phaseFailed)
			assistantMsg.Error = &types.MessageError{Type: "max_steps", Message: "Maximum steps reached"}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return fmt.Errorf("max steps exceeded")
		}

		if p.shouldCompact(messages) {
			if err := p.compactMessages(ctx, sessionID, messages); err != nil {
				logging.Warn().Err(err).Str("session", sessionID).Msg("context compaction failed, continuing uncompacted")
			}
			messages, _ = p.loadMessages(ctx, sessionID)
		}

		p.setPhase(state, phaseStreaming)

		req, err := p.buildCompletionRequest(ctx, sessionID, messages, assistantMsg, agent, model)
		if err != nil {
			p.setPhase(state, phaseFailed)
			return fmt.Errorf("failed to build request: %w", err)
		}

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			retry, terminalErr := p.retryOrFail(ctx, sessionID, state, assistantMsg, retryBackoff, err)
			if !retry {
				return terminalErr
			}
			continue
		}

		finishReason, err := p.processStream(ctx, stream, state, callback)
		stream.Close()
		if err != nil {
			retry, terminalErr := p.retryOrFail(ctx, sessionID, state, assistantMsg, retryBackoff, err)
			if !retry {
				return terminalErr
			}
			continue
		}
		retryBackoff.Reset()

		terminal, terr := p.advanceTurn(ctx, sessionID, state, assistantMsg, agent, finishReason, callback, retryBackoff)
		if terminal {
			return terr
		}
	}
}

// prepareTurn is the building_context phase: it loads the session's message
// history, resolves the provider/model for the pending user message, and
// creates and persists the assistant message the rest of the turn fills in.
func (p *Processor) prepareTurn(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	callback ProcessCallback,
) ([]*types.Message, *types.Message, *types.Model, provider.Provider, error) {
	if err := p.ensureSessionExists(ctx, sessionID); err != nil {
		return nil, nil, nil, nil, err
	}

	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(messages) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return nil, nil, nil, nil, fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	providerID := "anthropic"
	modelID := "claude-sonnet-4-20250514"
	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provider not found: %w", err)
	}
	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("model not found: %w", err)
	}

	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		Time:       types.MessageTime{Created: now},
	}
	state.message = assistantMsg

	if err := p.storage.Put(ctx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to save message: %w", err)
	}

	callback(assistantMsg, nil)
	event.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Info: assistantMsg}})

	return messages, assistantMsg, model, prov, nil
}

// ensureSessionExists confirms the session is reachable (either directly or
// by searching across projects) before a turn is allowed to start.
func (p *Processor) ensureSessionExists(ctx context.Context, sessionID string) error {
	var session types.Session
	if err := p.storage.Get(ctx, []string{"session", sessionID}, &session); err == nil {
		return nil
	}
	if _, err := p.findSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	return nil
}

// retryOrFail applies exponential backoff to a provider or stream error.
// It returns (true, nil) to signal the caller should retry the step, or
// (false, err) once retries are exhausted and the assistant message has
// been marked failed.
func (p *Processor) retryOrFail(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	assistantMsg *types.Message,
	retryBackoff backoff.BackOff,
	cause error,
) (retry bool, err error) {
	next := retryBackoff.NextBackOff()
	if next == backoff.Stop {
		p.setPhase(state, phaseFailed)
		assistantMsg.Error = &types.MessageError{Type: "api", Message: cause.Error()}
		p.saveMessage(ctx, sessionID, assistantMsg)
		return false, cause
	}
	time.Sleep(next)
	return true, nil
}

// advanceTurn interprets a completed step's finish reason. Terminal reasons
// move the turn to finalizing and end it; tool-use reasons move it through
// tool_dispatch and signal the caller to loop back into streaming.
func (p *Processor) advanceTurn(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	assistantMsg *types.Message,
	agent *Agent,
	finishReason string,
	callback ProcessCallback,
	retryBackoff backoff.BackOff,
) (terminal bool, err error) {
	switch finishReason {
	case "stop", "end_turn":
		p.setPhase(state, phaseFinalizing)
		finish := "stop"
		assistantMsg.Finish = &finish
		p.saveMessage(ctx, sessionID, assistantMsg)
		p.setPhase(state, phaseIdle)
		return true, nil

	case "tool_use", "tool_calls", "tool-calls":
		p.setPhase(state, phaseToolDispatch)
		if err := p.executeToolCalls(ctx, state, agent, callback); err != nil {
			logging.Debug().Err(err).Str("session", sessionID).Msg("tool dispatch reported an error; captured on the tool part")
		}
		return false, nil

	case "max_tokens", "length":
		p.setPhase(state, phaseFinalizing)
		finish := "max_tokens"
		assistantMsg.Finish = &finish
		assistantMsg.Error = &types.MessageError{Type: "output_length", Message: "Output length limit reached"}
		p.saveMessage(ctx, sessionID, assistantMsg)
		p.setPhase(state, phaseIdle)
		return true, nil

	case "error":
		next := retryBackoff.NextBackOff()
		if next == backoff.Stop {
			p.setPhase(state, phaseFailed)
			return true, fmt.Errorf("stream error: max retries exceeded")
		}
		time.Sleep(next)
		return false, nil

	default:
		p.setPhase(state, phaseFinalizing)
		assistantMsg.Finish = &finishReason
		p.saveMessage(ctx, sessionID, assistantMsg)
		p.setPhase(state, phaseIdle)
		return true, nil
	}
}

// findSession finds a session by ID across all projects.
func (p *Processor) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages loads all messages for a session.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := p.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// saveMessage saves an assistant message.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := p.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})

	return nil
}

// savePart saves a part for a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// shouldCompact checks if messages should be compacted.
func (p *Processor) shouldCompact(messages []*types.Message) bool {
	totalTokens := 0
	for _, msg := range messages {
		if msg.Tokens != nil {
			totalTokens += msg.Tokens.Input + msg.Tokens.Output
		}
	}
	return totalTokens > MaxContextTokens
}

// buildCompletionRequest builds an LLM completion request.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	currentMsg *types.Message,
	agent *Agent,
	model *types.Model,
) (*provider.CompletionRequest, error) {
	session, _ := p.findSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, agent, currentMsg.ProviderID, currentMsg.ModelID)

	var einoMessages []*schema.Message
	einoMessages = append(einoMessages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt.Build(),
	})

	for _, msg := range messages {
		if msg.Error != nil && !p.hasUsableContent(ctx, msg) {
			continue
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		einoMsg := p.convertMessage(msg, parts)
		einoMessages = append(einoMessages, einoMsg)
	}

	tools, err := p.resolveTools(agent, model)
	if err != nil {
		return nil, err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}

	return req, nil
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := p.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// hasUsableContent checks if a message has content worth including.
func (p *Processor) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

// convertMessage converts a types.Message to schema.Message.
func (p *Processor) convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	var content string
	var toolCalls []schema.ToolCall
	var toolCallID string

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role == "assistant" {
				inputJSON, _ := json.Marshal(pt.State.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.CallID,
					Function: schema.FunctionCall{
						Name:      pt.Tool,
						Arguments: string(inputJSON),
					},
				})
			} else {
				toolCallID = pt.CallID
				if pt.State.Output != "" {
					content = pt.State.Output
				} else if pt.State.Error != "" {
					content = "Error: " + pt.State.Error
				}
			}
		}
	}

	einoMsg := &schema.Message{
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
	}

	if toolCallID != "" {
		einoMsg.ToolCallID = toolCallID
	}

	return einoMsg
}

// resolveTools returns tools enabled for the agent.
func (p *Processor) resolveTools(agent *Agent, model *types.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	allTools := p.toolRegistry.List()

	var result []*schema.ToolInfo
	for _, t := range allTools {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}

		params := parseJSONSchemaToParams(t.Parameters())
		result = append(result, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	return result, nil
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// generatePartID generates a new ULID for parts.
func generatePartID() string {
	return ulid.Make().String()
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}
