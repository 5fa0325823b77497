package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/wonopcode/wonopcode/internal/event"
)

const multieditDescription = `Applies a sequence of string replacements to a single file atomically.

Usage:
- The filePath parameter must be an absolute path
- edits is an ordered list of {oldString, newString, replaceAll} operations
- Each edit is applied to the result of the previous one, in order
- If any edit in the sequence fails to match, no changes are written`

// MultiEditTool applies an ordered batch of fuzzy-replacer edits to one file
// as a single atomic write.
type MultiEditTool struct {
	workDir string
}

// MultiEditOperation is one step in a multiedit sequence.
type MultiEditOperation struct {
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// MultiEditInput represents the input for the multiedit tool.
type MultiEditInput struct {
	FilePath string                `json:"filePath"`
	Edits    []MultiEditOperation  `json:"edits"`
}

// NewMultiEditTool creates a new multiedit tool.
func NewMultiEditTool(workDir string) *MultiEditTool {
	return &MultiEditTool{workDir: workDir}
}

func (t *MultiEditTool) ID() string          { return "multiedit" }
func (t *MultiEditTool) Description() string { return multieditDescription }

func (t *MultiEditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to edit"
			},
			"edits": {
				"type": "array",
				"description": "Ordered list of edits to apply",
				"items": {
					"type": "object",
					"properties": {
						"oldString": {"type": "string", "description": "The exact text to replace"},
						"newString": {"type": "string", "description": "The text to replace it with"},
						"replaceAll": {"type": "boolean", "description": "Replace all occurrences (default: false)"}
					},
					"required": ["oldString", "newString"]
				}
			}
		},
		"required": ["filePath", "edits"]
	}`)
}

func (t *MultiEditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params MultiEditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if len(params.Edits) == 0 {
		return nil, fmt.Errorf("edits must not be empty")
	}

	before, err := readToolFile(ctx, toolCtx, params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if err := checkStaleness(ctx, toolCtx, params.FilePath); err != nil {
		return nil, err
	}

	current := before
	totalReplaced := 0
	for i, op := range params.Edits {
		if op.OldString == op.NewString {
			return nil, fmt.Errorf("edit %d: old_string and new_string must be different", i)
		}
		next, replaced, _, err := applyFuzzyEdit(current, op.OldString, op.NewString, op.ReplaceAll)
		if err != nil {
			return nil, fmt.Errorf("edit %d: %w", i, err)
		}
		current = next
		totalReplaced += replaced
	}
	after := current

	if err := writeToolFile(ctx, toolCtx, params.FilePath, after); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	recordWrite(toolCtx, params.FilePath)

	if toolCtx != nil && toolCtx.SessionID != "" {
		event.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{File: params.FilePath},
		})
	}

	diffText, additions, deletions := BuildDiffMetadata(params.FilePath, before, after, t.workDir)

	return &Result{
		Title:  fmt.Sprintf("Edited %s (%d edits)", filepath.Base(params.FilePath), len(params.Edits)),
		Output: diffText,
		Metadata: map[string]any{
			"file":      params.FilePath,
			"additions": additions,
			"deletions": deletions,
			"replaced":  totalReplaced,
			"before":    before,
			"after":     after,
		},
	}, nil
}

func (t *MultiEditTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
