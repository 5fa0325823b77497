package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/wonopcode/wonopcode/internal/event"
)

// AskTimeout is how long a prompt waits for a user response before the
// request expires and is treated as Deny.
const AskTimeout = 300 * time.Second

// Manager is the rule-evaluating permission engine described by the
// source's permission model: a fixed sandbox allow-all rule set, then
// per-session rules, then global rules, each scanned tail-first, falling
// through to an interactive prompt when nothing matches.
type Manager struct {
	mu            sync.RWMutex
	globalRules   []Rule
	sessionRules  map[string][]Rule
	pending       map[string]chan Response
	sandboxActive func() bool
}

// NewManager creates a Manager with the default read-only rule set
// installed as its global rules.
func NewManager() *Manager {
	return &Manager{
		globalRules:  DefaultRules(),
		sessionRules: make(map[string][]Rule),
		pending:      make(map[string]chan Response),
	}
}

// SetSandboxActive wires a predicate the manager polls to decide whether
// the sandbox allow-all rule set should be consulted first.
func (m *Manager) SetSandboxActive(fn func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxActive = fn
}

// LoadGlobalRules replaces the manager's global rule list: the default
// read-only allow list followed by config-derived rules, in that order so
// config rules win ties at equal rule count (both orderings matter less
// than preserving tail-first semantics within the combined list).
func (m *Manager) LoadGlobalRules(configRules []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalRules = append(DefaultRules(), configRules...)
}

// InstallSessionRule appends a rule to a session's rule list (most recent
// rule wins under tail-first evaluation).
func (m *Manager) InstallSessionRule(sessionID string, rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionRules[sessionID] = append(m.sessionRules[sessionID], rule)
}

// ClearSession drops all session-scoped rules of a session (session
// teardown). Pending Ask requests are keyed by request ID and are not
// touched.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessionRules, sessionID)
}

func (m *Manager) sandboxRunning() bool {
	m.mu.RLock()
	fn := m.sandboxActive
	m.mu.RUnlock()
	return fn != nil && fn()
}

// checkRules runs the tail-first rule evaluation (sandbox allow-all, then
// session rules, then global rules) and reports whether a rule matched.
func (m *Manager) checkRules(sessionID string, req CheckRequest) (PermissionAction, bool) {
	if m.sandboxRunning() {
		if d, ok := evaluate(SandboxAllowAllRules(), req); ok {
			return d, true
		}
	}

	m.mu.RLock()
	session := append([]Rule(nil), m.sessionRules[sessionID]...)
	global := append([]Rule(nil), m.globalRules...)
	m.mu.RUnlock()

	if d, ok := evaluate(session, req); ok {
		return d, true
	}
	if d, ok := evaluate(global, req); ok {
		return d, true
	}
	return "", false
}

// CheckRulesOnly evaluates rules without ever prompting the user: Ask (or
// no match) is treated as Deny. Suited to non-interactive callers such as a
// headless tool server.
func (m *Manager) CheckRulesOnly(sessionID string, req CheckRequest) PermissionAction {
	decision, matched := m.checkRules(sessionID, req)
	if !matched || decision == ActionAsk {
		return ActionDeny
	}
	return decision
}

// Check evaluates rules and, if the outcome is Ask (or no rule matched),
// prompts the user over the event bus and awaits a response. Returns nil
// for Allow, a *RejectedError for Deny.
func (m *Manager) Check(ctx context.Context, sessionID, messageID, callID string, req CheckRequest) error {
	decision, matched := m.checkRules(sessionID, req)
	if matched && decision != ActionAsk {
		return m.toError(decision, sessionID, req)
	}
	return m.ask(ctx, sessionID, messageID, callID, req)
}

func (m *Manager) toError(decision PermissionAction, sessionID string, req CheckRequest) error {
	if decision == ActionAllow {
		return nil
	}
	return &RejectedError{
		SessionID: sessionID,
		Type:      PermissionType(req.Tool),
		Message:   fmt.Sprintf("permission denied for %s", req.Tool),
		Metadata:  req.Details,
	}
}

func (m *Manager) ask(ctx context.Context, sessionID, messageID, callID string, req CheckRequest) error {
	id := ulid.Make().String()
	respChan := make(chan Response, 1)

	m.mu.Lock()
	m.pending[id] = respChan
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	var pattern []string
	if req.Action != "" {
		pattern = []string{req.Action}
	} else if req.Path != "" {
		pattern = []string{req.Path}
	}

	event.Publish(event.Event{
		Type: event.PermissionRequired,
		Data: event.PermissionRequiredData{
			ID:             id,
			SessionID:      sessionID,
			PermissionType: req.Tool,
			Pattern:        pattern,
			Title:          req.Description,
		},
	})

	timeout := time.NewTimer(AskTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return m.toError(ActionDeny, sessionID, req)
	case <-timeout.C:
		return m.toError(ActionDeny, sessionID, req)
	case resp := <-respChan:
		decision := ActionDeny
		if resp.Action != "reject" {
			decision = ActionAllow
		}
		if resp.Action == "always" {
			m.InstallSessionRule(sessionID, Rule{Tool: req.Tool, Action: req.Action, Decision: decision})
		}
		return m.toError(decision, sessionID, req)
	}
}

// Respond resolves a pending Ask request. action is "once" (allow, don't
// remember), "always" (allow and remember), or "reject" (deny).
func (m *Manager) Respond(requestID, action string) {
	m.mu.RLock()
	ch, ok := m.pending[requestID]
	m.mu.RUnlock()
	if ok {
		ch <- Response{RequestID: requestID, Action: action}
	}

	event.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{
			ID:      requestID,
			Granted: action != "reject",
		},
	})
}
