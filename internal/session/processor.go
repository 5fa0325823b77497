package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/wonopcode/wonopcode/internal/permission"
	"github.com/wonopcode/wonopcode/internal/provider"
	"github.com/wonopcode/wonopcode/internal/sandbox"
	"github.com/wonopcode/wonopcode/internal/storage"
	"github.com/wonopcode/wonopcode/internal/tool"
	"github.com/wonopcode/wonopcode/pkg/types"
)

// Processor handles message processing and the agentic loop.
type Processor struct {
	mu sync.Mutex

	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	storage           *storage.Storage
	permissionChecker *permission.Checker
	ruleManager       *permission.Manager

	sandbox sandbox.Runtime
	mapper  sandbox.PathMapper

	fileReadTimesMu sync.Mutex
	fileReadTimes   map[string]*tool.FileReadTimes

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID    string

	// Active sessions being processed
	sessions map[string]*sessionState
}

// sessionState tracks the state of an active session being processed,
// including its current position in the turn runner's state machine.
type sessionState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	message *types.Message
	parts   []types.Part
	waiters []chan error
	step    int
	retries int
	phase   turnPhase
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	store *storage.Storage,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Processor {
	// Use reasonable defaults if not specified
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		storage:           store,
		permissionChecker: permChecker,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
		fileReadTimes:     make(map[string]*tool.FileReadTimes),
	}
}

// SetSandbox wires a sandbox runtime (and its path mapper) that tool
// dispatch should route filesystem/exec calls through for every session
// handled by this processor.
func (p *Processor) SetSandbox(rt sandbox.Runtime, mapper sandbox.PathMapper) {
	p.sandbox = rt
	p.mapper = mapper
}

// fileReadTimesFor returns (creating if needed) the staleness tracker for a
// session.
func (p *Processor) fileReadTimesFor(sessionID string) *tool.FileReadTimes {
	p.fileReadTimesMu.Lock()
	defer p.fileReadTimesMu.Unlock()
	frt, ok := p.fileReadTimes[sessionID]
	if !ok {
		frt = tool.NewFileReadTimes()
		p.fileReadTimes[sessionID] = frt
	}
	return frt
}

// Process handles a new user message and generates an assistant response.
// This is the main entry point for the agentic loop.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	p.mu.Lock()

	// Check if session is already processing
	if state, ok := p.sessions[sessionID]; ok {
		// Queue this request
		waiter := make(chan error, 1)
		state.waiters = append(state.waiters, waiter)
		p.mu.Unlock()

		// Wait for current processing to complete
		select {
		case err := <-waiter:
			if err != nil {
				return err
			}
			// Retry processing
			return p.Process(ctx, sessionID, agent, callback)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Create new session state
	loopCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{
		ctx:    loopCtx,
		cancel: cancel,
		phase:  phaseIdle,
	}
	p.sessions[sessionID] = state
	p.mu.Unlock()

	// Ensure cleanup
	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)

		// Notify waiters
		for _, waiter := range state.waiters {
			waiter <- nil
		}
		p.mu.Unlock()
	}()

	// Run the turn runner's state machine
	return p.runTurn(loopCtx, sessionID, state, agent, callback)
}

// SetRuleManager wires the rule-based permission engine. When set, tool
// dispatch evaluates the §4.1 rule lists (sandbox allow-all, session,
// global, tail-first) instead of the coarser per-agent action map.
func (p *Processor) SetRuleManager(m *permission.Manager) {
	p.ruleManager = m
}

// Abort cancels processing for a session.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	state.cancel()
	return nil
}

// IsProcessing returns whether a session is currently processing.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// GetActiveState returns the current state for a processing session.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}

// CurrentPhase reports where a processing session currently sits in the
// turn runner's state machine (building_context/streaming/tool_dispatch/...).
// Returns false if the session isn't being processed.
func (p *Processor) CurrentPhase(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return "", false
	}
	return string(state.phase), true
}
