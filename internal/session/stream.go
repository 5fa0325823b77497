package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/wonopcode/wonopcode/internal/event"
	"github.com/wonopcode/wonopcode/internal/logging"
	"github.com/wonopcode/wonopcode/internal/provider"
	"github.com/wonopcode/wonopcode/pkg/types"
)

// StreamEvent is the turn runner's normalized view of a provider stream
// chunk. A streamAccumulator translates eino's raw, incrementally-repeated
// message deltas into this tagged vocabulary; processStream is the only
// consumer that ever touches a schema.Message directly. Tool dispatch
// (tools.go) emits the Tool*Observed variants so a turn's whole event log -
// streaming and dispatch alike - reads as one vocabulary.
type StreamEvent interface {
	streamEvent()
}

// TextStartEvent opens a new assistant text part.
type TextStartEvent struct{}

func (TextStartEvent) streamEvent() {}

// TextDeltaEvent appends to the open text part.
type TextDeltaEvent struct{ Delta string }

func (TextDeltaEvent) streamEvent() {}

// TextEndEvent closes the open text part.
type TextEndEvent struct{}

func (TextEndEvent) streamEvent() {}

// ReasoningStartEvent opens a new extended-thinking part.
type ReasoningStartEvent struct{}

func (ReasoningStartEvent) streamEvent() {}

// ReasoningDeltaEvent appends to the open reasoning part.
type ReasoningDeltaEvent struct{ Delta string }

func (ReasoningDeltaEvent) streamEvent() {}

// ReasoningEndEvent closes the open reasoning part.
type ReasoningEndEvent struct{}

func (ReasoningEndEvent) streamEvent() {}

// ToolCallStartEvent announces a tool call the model has begun requesting.
type ToolCallStartEvent struct {
	CallID string
	Tool   string
}

func (ToolCallStartEvent) streamEvent() {}

// ToolCallDeltaEvent carries a raw argument-JSON fragment for an open call.
type ToolCallDeltaEvent struct {
	CallID    string
	ArgsDelta string
}

func (ToolCallDeltaEvent) streamEvent() {}

// ToolCallEvent fires each time the accumulated arguments parse as valid
// JSON, refreshing the call's structured input ahead of dispatch.
type ToolCallEvent struct {
	CallID string
	Input  map[string]any
}

func (ToolCallEvent) streamEvent() {}

// ToolObservedEvent marks the moment tool dispatch (not stream translation)
// hands a completed call to its tool implementation.
type ToolObservedEvent struct {
	CallID string
	Tool   string
}

func (ToolObservedEvent) streamEvent() {}

// ToolResultObservedEvent marks the moment a dispatched tool call finishes,
// successfully or not.
type ToolResultObservedEvent struct {
	CallID string
	Err    error
}

func (ToolResultObservedEvent) streamEvent() {}

// UsageEvent reports incremental token accounting attached to a response.
type UsageEvent struct {
	Prompt     int
	Completion int
}

func (UsageEvent) streamEvent() {}

// FinishStepEvent reports the provider's reason for ending the current step.
type FinishStepEvent struct{ Reason string }

func (FinishStepEvent) streamEvent() {}

// toolCallAccumulator tracks one in-flight tool call's raw argument buffer
// across chunks, keyed internally by index-or-ID (see streamAccumulator),
// independent of the call's externally-visible CallID once assigned.
type toolCallAccumulator struct {
	callID string
	args   string
}

// streamAccumulator holds only the bookkeeping needed to turn a sequence of
// eino schema.Message chunks into StreamEvents: whether text/reasoning parts
// are open, what content has been seen so far (providers differ on whether a
// chunk's content is the full accumulation or just the new delta), and the
// raw-argument buffer for each in-flight tool call.
type streamAccumulator struct {
	textOpen      bool
	textSeen      string
	reasoningOpen bool
	toolCalls     map[string]*toolCallAccumulator
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{toolCalls: make(map[string]*toolCallAccumulator)}
}

// translate converts one raw provider chunk into zero or more StreamEvents.
func (a *streamAccumulator) translate(msg *schema.Message) []StreamEvent {
	var events []StreamEvent

	if msg.Content != "" {
		switch {
		case !a.textOpen:
			a.textOpen = true
			a.textSeen = msg.Content
			events = append(events, TextStartEvent{}, TextDeltaEvent{Delta: msg.Content})
		case strings.HasPrefix(msg.Content, a.textSeen):
			// Accumulated mode: the chunk restates everything seen so far.
			delta := msg.Content[len(a.textSeen):]
			a.textSeen = msg.Content
			events = append(events, TextDeltaEvent{Delta: delta})
		default:
			// Delta mode: the chunk is only the new fragment.
			a.textSeen += msg.Content
			events = append(events, TextDeltaEvent{Delta: msg.Content})
		}
	}

	if msg.ReasoningContent != "" {
		if !a.reasoningOpen {
			a.reasoningOpen = true
			events = append(events, ReasoningStartEvent{})
		}
		events = append(events, ReasoningDeltaEvent{Delta: msg.ReasoningContent})
	}

	events = append(events, a.translateToolCalls(msg.ToolCalls)...)

	if msg.ResponseMeta != nil {
		if msg.ResponseMeta.Usage != nil {
			events = append(events, UsageEvent{
				Prompt:     msg.ResponseMeta.Usage.PromptTokens,
				Completion: msg.ResponseMeta.Usage.CompletionTokens,
			})
		}
		if msg.ResponseMeta.FinishReason != "" {
			events = append(events, FinishStepEvent{Reason: msg.ResponseMeta.FinishReason})
		}
	}

	return events
}

// translateToolCalls handles eino's index-keyed tool call streaming: a start
// chunk carries Index, ID and Function.Name; later delta chunks repeat the
// same Index with ID/Name empty and only Function.Arguments populated.
func (a *streamAccumulator) translateToolCalls(toolCalls []schema.ToolCall) []StreamEvent {
	var events []StreamEvent

	for _, tc := range toolCalls {
		var key string
		switch {
		case tc.Index != nil:
			key = fmt.Sprintf("idx:%d", *tc.Index)
		case tc.ID != "":
			key = tc.ID
		default:
			continue
		}

		acc, exists := a.toolCalls[key]
		if !exists && tc.ID != "" && tc.Function.Name != "" {
			acc = &toolCallAccumulator{callID: tc.ID}
			a.toolCalls[key] = acc
			events = append(events, ToolCallStartEvent{CallID: tc.ID, Tool: tc.Function.Name})
		}
		if acc == nil {
			continue
		}

		if tc.Function.Arguments != "" {
			acc.args += tc.Function.Arguments
			events = append(events, ToolCallDeltaEvent{CallID: acc.callID, ArgsDelta: tc.Function.Arguments})

			var input map[string]any
			if err := json.Unmarshal([]byte(acc.args), &input); err == nil {
				events = append(events, ToolCallEvent{CallID: acc.callID, Input: input})
			}
		}
	}

	return events
}

// streamRender is the mutable part state the translated events are applied
// against: the currently-open text/reasoning parts and the set of tool parts
// seen so far, keyed by call ID.
type streamRender struct {
	text      *types.TextPart
	reasoning *types.ReasoningPart
	tools     map[string]*types.ToolPart
}

// MinEventInterval is the minimum time between streaming events, set just
// above the TUI's 16ms render-batching window so consecutive deltas aren't
// coalesced into a single repaint.
const MinEventInterval = 20 * time.Millisecond

// throttledPublish publishes an event, sleeping first if one was published
// too recently, so high-frequency deltas can't starve the TUI's batching.
func throttledPublish(e event.Event, lastEventTime *time.Time) {
	if lastEventTime != nil && !lastEventTime.IsZero() {
		if elapsed := time.Since(*lastEventTime); elapsed < MinEventInterval {
			time.Sleep(MinEventInterval - elapsed)
		}
	}
	event.Publish(e)
	if lastEventTime != nil {
		*lastEventTime = time.Now()
	}
}

// truncate shortens a string for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// processStream consumes one provider completion stream for the current
// step: it translates each chunk into StreamEvents via a streamAccumulator,
// applies them to the message's parts, and returns the step's finish reason
// once the provider reports one (or the stream ends).
func (p *Processor) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *sessionState,
	callback ProcessCallback,
) (string, error) {
	render := &streamRender{tools: make(map[string]*types.ToolPart)}
	acc := newStreamAccumulator()
	var lastEventTime time.Time
	var finishReason string

	now := time.Now().UnixMilli()
	stepStart := &types.StepStartPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step_start",
		Time:      types.PartTime{Start: &now},
	}
	state.parts = append(state.parts, stepStart)
	p.savePart(ctx, state.message.ID, stepStart)
	event.Publish(event.Event{Type: event.MessagePartUpdated, Data: event.MessagePartUpdatedData{Part: stepStart}})
	callback(state.message, state.parts)

	logger := logging.With().Str("session", state.message.SessionID).Str("message", state.message.ID).Logger()
	logger.Debug().Msg("stream: receiving chunks")
	chunkCount := 0

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Int("chunks", chunkCount).Msg("stream: context cancelled")
			return "error", ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			logger.Debug().Int("chunks", chunkCount).Msg("stream: EOF")
			break
		}
		if err != nil {
			logger.Debug().Err(err).Int("chunks", chunkCount).Msg("stream: recv error")
			return "error", err
		}
		chunkCount++
		logger.Trace().Int("chunk", chunkCount).Str("content", truncate(msg.Content, 50)).
			Int("toolCalls", len(msg.ToolCalls)).Msg("stream: chunk")

		for _, ev := range acc.translate(msg) {
			if reason := p.applyStreamEvent(ctx, state, callback, render, ev, &lastEventTime); reason != "" {
				finishReason = reason
			}
		}
		if finishReason != "" {
			break
		}
	}

	p.applyStreamEvent(ctx, state, callback, render, TextEndEvent{}, &lastEventTime)
	p.applyStreamEvent(ctx, state, callback, render, ReasoningEndEvent{}, &lastEventTime)

	logger.Debug().Int("toolParts", len(render.tools)).Msg("stream: finalizing tool parts")
	for _, tp := range render.tools {
		tp.State.Status = "running"
		p.savePart(ctx, state.message.ID, tp)
	}

	if finishReason == "" {
		if len(render.tools) > 0 {
			finishReason = "tool-calls" // SDK compatible: TypeScript uses "tool-calls"
		} else {
			finishReason = "stop"
		}
	}
	if finishReason == "tool_use" {
		finishReason = "tool-calls"
	}

	finishNow := time.Now().UnixMilli()
	stepFinish := &types.StepFinishPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step_finish",
		Usage:     tokenUsageMap(state.message.Tokens),
		Time:      types.PartTime{Start: &now, End: &finishNow},
	}
	state.parts = append(state.parts, stepFinish)
	p.savePart(ctx, state.message.ID, stepFinish)
	event.Publish(event.Event{Type: event.MessagePartUpdated, Data: event.MessagePartUpdatedData{Part: stepFinish}})
	callback(state.message, state.parts)

	logger.Debug().Str("reason", finishReason).Int("parts", len(state.parts)).Msg("stream: step finished")

	return finishReason, nil
}

// tokenUsageMap flattens a TokenUsage into the loosely-typed map the SDK
// wire format expects on step_finish parts.
func tokenUsageMap(tokens *types.TokenUsage) map[string]any {
	if tokens == nil {
		return nil
	}
	return map[string]any{
		"input":     tokens.Input,
		"output":    tokens.Output,
		"reasoning": tokens.Reasoning,
	}
}

// applyStreamEvent mutates the render state (and, for deltas, publishes and
// invokes the callback) for a single StreamEvent. It returns a non-empty
// finish reason only for FinishStepEvent, signalling processStream to stop.
func (p *Processor) applyStreamEvent(
	ctx context.Context,
	state *sessionState,
	callback ProcessCallback,
	render *streamRender,
	ev StreamEvent,
	lastEventTime *time.Time,
) string {
	switch e := ev.(type) {
	case TextStartEvent:
		now := time.Now().UnixMilli()
		render.text = &types.TextPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "text",
			Time:      types.PartTime{Start: &now},
		}
		state.parts = append(state.parts, render.text)

	case TextDeltaEvent:
		if render.text == nil {
			return ""
		}
		render.text.Text += e.Delta
		throttledPublish(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: render.text, Delta: e.Delta},
		}, lastEventTime)
		callback(state.message, state.parts)

	case TextEndEvent:
		if render.text != nil {
			now := time.Now().UnixMilli()
			render.text.Time.End = &now
			p.savePart(ctx, state.message.ID, render.text)
		}

	case ReasoningStartEvent:
		now := time.Now().UnixMilli()
		render.reasoning = &types.ReasoningPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "reasoning",
			Time:      types.PartTime{Start: &now},
		}
		state.parts = append(state.parts, render.reasoning)

	case ReasoningDeltaEvent:
		if render.reasoning == nil {
			return ""
		}
		render.reasoning.Text += e.Delta
		callback(state.message, state.parts)

	case ReasoningEndEvent:
		if render.reasoning != nil {
			now := time.Now().UnixMilli()
			render.reasoning.Time.End = &now
			p.savePart(ctx, state.message.ID, render.reasoning)
		}

	case ToolCallStartEvent:
		now := time.Now().UnixMilli()
		tp := &types.ToolPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "tool",
			CallID:    e.CallID,
			Tool:      e.Tool,
			State: types.ToolState{
				Status: "pending",
				Input:  make(map[string]any),
				Time:   &types.ToolTime{Start: now},
			},
		}
		render.tools[e.CallID] = tp
		state.parts = append(state.parts, tp)
		callback(state.message, state.parts)

	case ToolCallDeltaEvent:
		tp, ok := render.tools[e.CallID]
		if !ok {
			return ""
		}
		tp.State.Raw += e.ArgsDelta
		event.Publish(event.Event{Type: event.MessagePartUpdated, Data: event.MessagePartUpdatedData{Part: tp}})
		callback(state.message, state.parts)

	case ToolCallEvent:
		if tp, ok := render.tools[e.CallID]; ok {
			tp.State.Input = e.Input
		}

	case UsageEvent:
		if state.message.Tokens == nil {
			state.message.Tokens = &types.TokenUsage{}
		}
		state.message.Tokens.Input = e.Prompt
		state.message.Tokens.Output = e.Completion

	case FinishStepEvent:
		return e.Reason
	}

	return ""
}
