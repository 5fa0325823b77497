package permission

import "strings"

// Decision is the outcome of evaluating a permission rule.
// It reuses PermissionAction's three values (allow, deny, ask) so that
// config-derived rule lists and agent-level permission maps share one
// vocabulary.
type Decision = PermissionAction

// Rule is a single entry in a permission rule list: {tool, action?, path?, decision}.
// Wildcards are glob-style ('*' matches any run of characters). Rules are
// evaluated tail-first (last rule added wins) so that a "remember" rule
// installed after a user response overrides an earlier config-derived one
// without having to rewrite the list.
type Rule struct {
	Tool     string         `json:"tool"`
	Action   string         `json:"action,omitempty"`
	Path     string         `json:"path,omitempty"`
	Decision PermissionAction `json:"decision"`
}

// CheckRequest describes one tool invocation to be evaluated against the
// rule lists.
type CheckRequest struct {
	Tool        string
	Action      string
	Path        string
	Description string
	Details     map[string]any
}

// Matches reports whether the rule applies to req. An empty Action or Path
// on the rule means "don't constrain on this field"; a present one must
// glob-match the request's corresponding field (a request field absent
// while the rule requires one is a non-match).
func (r Rule) Matches(req CheckRequest) bool {
	if !globMatch(r.Tool, req.Tool) {
		return false
	}
	if r.Action != "" {
		if req.Action == "" || !globMatch(r.Action, req.Action) {
			return false
		}
	}
	if r.Path != "" {
		if req.Path == "" || !globMatch(r.Path, req.Path) {
			return false
		}
	}
	return true
}

// globMatch implements '*' glob matching with no other metacharacters,
// matching the source's wildcard semantics (not a full shell glob).
func globMatch(pattern, s string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	segments := strings.Split(pattern, "*")
	anchoredStart := !strings.HasPrefix(pattern, "*")
	anchoredEnd := !strings.HasSuffix(pattern, "*")

	pos := 0
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if i == len(segments)-1 && anchoredEnd {
			// The last segment must end s without overlapping earlier matches.
			return len(s)-pos >= len(seg) && strings.HasSuffix(s, seg)
		}
		idx := strings.Index(s[pos:], seg)
		if idx == -1 {
			return false
		}
		if i == 0 && anchoredStart && idx != 0 {
			return false
		}
		pos += idx + len(seg)
	}
	return true
}

// evaluate scans rules tail-first (highest index to lowest) and returns the
// decision of the first match, or ("", false) if none match.
func evaluate(rules []Rule, req CheckRequest) (PermissionAction, bool) {
	for i := len(rules) - 1; i >= 0; i-- {
		if rules[i].Matches(req) {
			return rules[i].Decision, true
		}
	}
	return "", false
}

// writeClassTools are the tools a running sandbox allows unconditionally,
// bypassing global/session rules entirely.
var writeClassTools = []string{"write", "edit", "multiedit", "patch", "bash", "task", "skill"}

// SandboxAllowAllRules returns the fixed rule set consulted first while a
// sandbox is running: every write-class tool is allowed outright, since the
// sandbox itself is the isolation boundary.
func SandboxAllowAllRules() []Rule {
	rules := make([]Rule, 0, len(writeClassTools))
	for _, tool := range writeClassTools {
		rules = append(rules, Rule{Tool: tool, Decision: ActionAllow})
	}
	return rules
}

// DefaultRules returns the built-in read-only allow list installed before
// any config-derived rule. It covers only read-class tools; anything else
// falls through to Ask unless a later rule says otherwise.
func DefaultRules() []Rule {
	readOnly := []string{
		"read", "glob", "grep", "list", "todoread", "search", "codesearch",
		"lsp", "hover", "webfetch", "websearch", "todowrite",
		"enterplanmode", "exitplanmode",
	}
	rules := make([]Rule, 0, len(readOnly))
	for _, tool := range readOnly {
		rules = append(rules, Rule{Tool: tool, Decision: ActionAllow})
	}
	return rules
}

// RulesFromConfig projects a PermissionConfig onto a rule list, fanning out
// each configured permission type to every tool it governs. Appended after
// DefaultRules(); later entries win under tail-first evaluation.
func RulesFromConfig(cfg AgentPermissions) []Rule {
	var rules []Rule

	if cfg.Edit != "" {
		for _, tool := range []string{"edit", "write", "multiedit", "patch"} {
			rules = append(rules, Rule{Tool: tool, Decision: cfg.Edit})
		}
	}

	if len(cfg.Bash) == 1 {
		if action, ok := cfg.Bash["*"]; ok {
			rules = append(rules, Rule{Tool: "bash", Decision: action})
		}
	}
	for pattern, action := range cfg.Bash {
		if pattern == "*" && len(cfg.Bash) == 1 {
			continue
		}
		rules = append(rules, Rule{Tool: "bash", Action: pattern, Decision: action})
	}

	if cfg.WebFetch != "" {
		for _, tool := range []string{"webfetch", "websearch"} {
			rules = append(rules, Rule{Tool: tool, Decision: cfg.WebFetch})
		}
	}

	if cfg.ExternalDir != "" {
		for _, tool := range []string{"read", "edit", "write"} {
			rules = append(rules, Rule{Tool: tool, Action: "external", Decision: cfg.ExternalDir})
		}
	}

	if cfg.DoomLoop != "" {
		rules = append(rules, Rule{Tool: "*", Action: "doom_loop", Decision: cfg.DoomLoop})
	}

	return rules
}
