package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/wonopcode/wonopcode/internal/event"
)

const patchDescription = `Applies a unified diff to a file.

Usage:
- The filePath parameter must be an absolute path to the file the diff targets
- diff must be a unified-diff patch as produced by the edit/multiedit tools
  or a standard diff tool, with at least one hunk
- Hunks are applied with fuzzy context matching; a hunk that cannot be
  located in the file fails the whole patch and no changes are written`

// PatchTool applies a unified diff to a file using go-diff's patch format.
type PatchTool struct {
	workDir string
}

// PatchInput represents the input for the patch tool.
type PatchInput struct {
	FilePath string `json:"filePath"`
	Diff     string `json:"diff"`
}

// NewPatchTool creates a new patch tool.
func NewPatchTool(workDir string) *PatchTool {
	return &PatchTool{workDir: workDir}
}

func (t *PatchTool) ID() string          { return "patch" }
func (t *PatchTool) Description() string { return patchDescription }

func (t *PatchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to patch"
			},
			"diff": {
				"type": "string",
				"description": "A unified diff to apply to the file"
			}
		},
		"required": ["filePath", "diff"]
	}`)
}

func (t *PatchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params PatchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.Diff == "" {
		return nil, fmt.Errorf("diff must not be empty")
	}

	before, err := readToolFile(ctx, toolCtx, params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if err := checkStaleness(ctx, toolCtx, params.FilePath); err != nil {
		return nil, err
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(params.Diff)
	if err != nil {
		return nil, fmt.Errorf("invalid diff: %w", err)
	}
	if len(patches) == 0 {
		return nil, fmt.Errorf("diff contains no hunks")
	}

	after, applied := dmp.PatchApply(patches, before)
	for i, ok := range applied {
		if !ok {
			return nil, fmt.Errorf("hunk %d did not apply: context not found in file", i)
		}
	}

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
		Title:  fmt.Sprintf("Patched %s", filepath.Base(params.FilePath)),
		Output: diffText,
		Metadata: map[string]any{
			"file":      params.FilePath,
			"additions": additions,
			"deletions": deletions,
			"hunks":     len(patches),
			"before":    before,
			"after":     after,
		},
	}, nil
}

func (t *PatchTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
