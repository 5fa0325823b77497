package tool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/wonopcode/wonopcode/internal/event"
)

const editDescription = `Performs string replacements in files.

Usage:
- The filePath parameter must be an absolute path
- oldString must be unique in the file, or replaceAll must be set
- When an exact match fails, a tiered fuzzy match ladder is attempted
  (whitespace, indentation, block anchors, escaped characters) before
  falling back to treating the edit as already applied`

// EditTool implements the fuzzy string-replacement core of file editing.
type EditTool struct {
	workDir string
}

// EditInput represents the input for the edit tool.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) ID() string          { return "edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to edit"
			},
			"oldString": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"newString": {
				"type": "string",
				"description": "The text to replace it with"
			},
			"replaceAll": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.OldString == params.NewString {
		return nil, fmt.Errorf("old_string and new_string must be different")
	}

	before, err := readToolFile(ctx, toolCtx, params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if err := checkStaleness(ctx, toolCtx, params.FilePath); err != nil {
		return nil, err
	}

	after, replaced, swapped, err := applyFuzzyEdit(before, params.OldString, params.NewString, params.ReplaceAll)
	if err != nil {
		return nil, err
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

	title := fmt.Sprintf("Edited %s", filepath.Base(params.FilePath))
	if swapped {
		title = fmt.Sprintf("Edited %s (swapped - undoing previous edit)", filepath.Base(params.FilePath))
	}

	return &Result{
		Title:  title,
		Output: diffText,
		Metadata: map[string]any{
			"file":      params.FilePath,
			"additions": additions,
			"deletions": deletions,
			"replaced":  replaced,
			"swapped":   swapped,
			"before":    before,
			"after":     after,
		},
	}, nil
}

// applyFuzzyEdit runs the full match ladder described by the fuzzy replacer:
// exact match, then the tiered fuzzy strategies, then swap fallback.
func applyFuzzyEdit(content, old, new string, replaceAll bool) (result string, replaced int, swapped bool, err error) {
	count := strings.Count(content, old)
	switch {
	case count == 1:
		return strings.Replace(content, old, new, 1), 1, false, nil
	case count > 1 && replaceAll:
		return strings.ReplaceAll(content, old, new), count, false, nil
	case count > 1:
		return "", 0, false, fmt.Errorf("old_string found %d times, provide more context or use replaceAll", count)
	}

	if m, ferr := matchLadder(content, old); ferr != nil {
		return "", 0, false, ferr
	} else if m != nil {
		if replaceAll {
			replacedCount := strings.Count(content, m.text)
			return strings.ReplaceAll(content, m.text, new), replacedCount, false, nil
		}
		return content[:m.start] + new + content[m.end:], 1, false, nil
	}

	swappedContent, n, serr := swapFallback(content, old, new, replaceAll)
	if serr != nil {
		return "", 0, false, serr
	}
	return swappedContent, n, true, nil
}

// readToolFile reads a file through the sandbox runtime when one is attached
// to the tool context, falling back to the host filesystem otherwise.
func readToolFile(ctx context.Context, toolCtx *Context, path string) (string, error) {
	if toolCtx != nil && toolCtx.Sandbox != nil {
		sandboxPath, err := toolCtx.Mapper.ToSandbox(path)
		if err != nil {
			return "", err
		}
		data, err := toolCtx.Sandbox.ReadFile(ctx, sandboxPath)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeToolFile writes a file through the sandbox runtime when one is
// attached to the tool context, falling back to an atomic host write.
func writeToolFile(ctx context.Context, toolCtx *Context, path, content string) error {
	if toolCtx != nil && toolCtx.Sandbox != nil {
		sandboxPath, err := toolCtx.Mapper.ToSandbox(path)
		if err != nil {
			return err
		}
		return toolCtx.Sandbox.WriteFile(ctx, sandboxPath, []byte(content), 0644)
	}
	return atomicWriteFile(path, []byte(content), 0644)
}

// atomicWriteFile writes to a sibling temp file with a random suffix, then
// renames over the target. On rename failure, the temp file is removed
// rather than left behind.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return err
	}
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+hex.EncodeToString(suffix)+".tmp")

	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// checkStaleness fails the edit if a file-read-time tracker is attached and
// shows the file was externally modified since this session last read it.
// The modification time is read through the sandbox runtime when one is
// attached, matching where readToolFile/writeToolFile actually touch the
// file, so staleness detection isn't a silent no-op under a sandbox.
func checkStaleness(ctx context.Context, toolCtx *Context, path string) error {
	if toolCtx == nil || toolCtx.FileReadTimes == nil {
		return nil
	}
	lastRead := toolCtx.FileReadTimes.LastRead(path)
	if lastRead.IsZero() {
		return nil
	}

	var modTime time.Time
	if toolCtx.Sandbox != nil {
		sandboxPath, err := toolCtx.Mapper.ToSandbox(path)
		if err != nil {
			return nil
		}
		meta, err := toolCtx.Sandbox.Metadata(ctx, sandboxPath)
		if err != nil {
			return nil
		}
		modTime = time.Unix(meta.ModTime, 0)
	} else {
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		modTime = info.ModTime()
	}

	if modTime.After(lastRead) {
		return fmt.Errorf("file %s was modified externally since it was last read; re-read before editing", path)
	}
	return nil
}

func recordWrite(toolCtx *Context, path string) {
	if toolCtx != nil && toolCtx.FileReadTimes != nil {
		toolCtx.FileReadTimes.RecordRead(path)
	}
}

func (t *EditTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
