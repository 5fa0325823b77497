package types

import "encoding/json"

// Part represents a component of an assistant message.
// SDK compatible: all parts must have sessionID and messageID fields.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
	PartMessageID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
// SDK compatible: includes sessionID and messageID fields.
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"` // SDK compatible
	MessageID string         `json:"messageID"` // SDK compatible
	Type      string         `json:"type"`      // always "text"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string      { return "text" }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

// ReasoningPart represents extended thinking/reasoning content.
// SDK compatible: includes sessionID and messageID fields.
type ReasoningPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"` // SDK compatible
	MessageID string   `json:"messageID"` // SDK compatible
	Type      string   `json:"type"`      // always "reasoning"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return "reasoning" }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

// ToolPart represents a tool call and its result as it is assembled across
// the provider stream: created pending, filled in as argument deltas and a
// final result arrive.
// SDK compatible: includes sessionID and messageID fields.
type ToolPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"` // SDK compatible
	MessageID string         `json:"messageID"` // SDK compatible
	Type      string         `json:"type"`      // always "tool"
	CallID    string         `json:"callID"`
	Tool      string         `json:"tool"`
	State     ToolState      `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolState is the mutable body of a ToolPart as it moves through
// pending -> running -> completed/error.
type ToolState struct {
	Status      string         `json:"status"` // "pending" | "running" | "completed" | "error"
	Input       map[string]any `json:"input,omitempty"`
	Raw         string         `json:"raw,omitempty"` // unparsed accumulated argument JSON
	Title       string         `json:"title,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Time        *ToolTime      `json:"time,omitempty"`
	Attachments []FilePart     `json:"attachments,omitempty"`
}

// ToolTime brackets a tool call's execution.
type ToolTime struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

func (p *ToolPart) PartType() string      { return "tool" }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

// FilePart represents a file attachment.
// SDK compatible: includes sessionID and messageID fields.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "file"
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

func (p *FilePart) PartType() string      { return "file" }
func (p *FilePart) PartID() string        { return p.ID }
func (p *FilePart) PartSessionID() string { return p.SessionID }
func (p *FilePart) PartMessageID() string { return p.MessageID }

// SnapshotPart records a VCS snapshot ref taken around a turn.
// SDK compatible: includes sessionID and messageID fields.
type SnapshotPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "snapshot"
	Ref       string `json:"ref"`
}

func (p *SnapshotPart) PartType() string      { return "snapshot" }
func (p *SnapshotPart) PartID() string        { return p.ID }
func (p *SnapshotPart) PartSessionID() string { return p.SessionID }
func (p *SnapshotPart) PartMessageID() string { return p.MessageID }

// StepStartPart marks the beginning of an agent loop step.
// SDK compatible: includes sessionID and messageID fields.
type StepStartPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"` // SDK compatible
	MessageID string   `json:"messageID"` // SDK compatible
	Type      string   `json:"type"`      // always "step_start"
	Time      PartTime `json:"time,omitempty"`
}

func (p *StepStartPart) PartType() string      { return "step_start" }
func (p *StepStartPart) PartID() string        { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

// StepFinishPart marks the end of an agent loop step, carrying token usage.
// SDK compatible: includes sessionID and messageID fields.
type StepFinishPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"` // SDK compatible
	MessageID string         `json:"messageID"` // SDK compatible
	Type      string         `json:"type"`      // always "step_finish"
	Usage     map[string]any `json:"usage,omitempty"`
	Time      PartTime       `json:"time,omitempty"`
}

func (p *StepFinishPart) PartType() string      { return "step_finish" }
func (p *StepFinishPart) PartID() string        { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

// SubtaskPart links a message to a child session spawned by the task tool.
// SDK compatible: includes sessionID and messageID fields.
type SubtaskPart struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionID"` // SDK compatible
	MessageID    string `json:"messageID"` // SDK compatible
	Type         string `json:"type"`      // always "subtask"
	ChildSession string `json:"child_session"`
}

func (p *SubtaskPart) PartType() string      { return "subtask" }
func (p *SubtaskPart) PartID() string        { return p.ID }
func (p *SubtaskPart) PartSessionID() string { return p.SessionID }
func (p *SubtaskPart) PartMessageID() string { return p.MessageID }

// CompactionPart records that earlier history was summarized to manage
// context window size.
// SDK compatible: includes sessionID and messageID fields.
type CompactionPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "compaction"
	Summary   string `json:"summary"`
}

func (p *CompactionPart) PartType() string      { return "compaction" }
func (p *CompactionPart) PartID() string        { return p.ID }
func (p *CompactionPart) PartSessionID() string { return p.SessionID }
func (p *CompactionPart) PartMessageID() string { return p.MessageID }

// PatchPart records a unified diff applied outside the edit/multiedit tools
// (e.g. via the patch tool or a revert).
// SDK compatible: includes sessionID and messageID fields.
type PatchPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "patch"
	Diff      string `json:"diff"`
}

func (p *PatchPart) PartType() string      { return "patch" }
func (p *PatchPart) PartID() string        { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

// AgentPart names the agent persona that produced a message, for transcripts
// that switch agents mid-session (e.g. task tool handoffs).
// SDK compatible: includes sessionID and messageID fields.
type AgentPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "agent"
	Name      string `json:"name"`
}

func (p *AgentPart) PartType() string      { return "agent" }
func (p *AgentPart) PartID() string        { return p.ID }
func (p *AgentPart) PartSessionID() string { return p.SessionID }
func (p *AgentPart) PartMessageID() string { return p.MessageID }

// RetryPart records that a step was retried after a recoverable failure.
// SDK compatible: includes sessionID and messageID fields.
type RetryPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"` // SDK compatible
	MessageID string `json:"messageID"` // SDK compatible
	Type      string `json:"type"`      // always "retry"
	Cause     string `json:"cause"`
}

func (p *RetryPart) PartType() string      { return "retry" }
func (p *RetryPart) PartID() string        { return p.ID }
func (p *RetryPart) PartSessionID() string { return p.SessionID }
func (p *RetryPart) PartMessageID() string { return p.MessageID }

// RawPart is used for JSON unmarshaling of parts.
type RawPart struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// UnmarshalPart unmarshals a JSON part into the appropriate type.
func UnmarshalPart(data []byte) (Part, error) {
	var raw RawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "file":
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "snapshot":
		var p SnapshotPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step_start":
		var p StepStartPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step_finish":
		var p StepFinishPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "subtask":
		var p SubtaskPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "compaction":
		var p CompactionPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "patch":
		var p PatchPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "agent":
		var p AgentPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "retry":
		var p RetryPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		// Unknown types are decoded as a TextPart
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}
