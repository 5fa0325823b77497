package tool

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// fuzzyMatch is a located match a ladder strategy produced.
type fuzzyMatch struct {
	start, end int    // byte offsets of the matched span in content
	text       string // the exact substring of content that matched
	strategy   string
}

// matchLadder tries each fuzzy strategy in order and returns the first
// that yields a unique region, per the §4.2 match ladder. It never sees
// exact matches — the caller handles those (and the N>1 conflict/replaceAll
// cases) before falling back here.
func matchLadder(content, old string) (*fuzzyMatch, error) {
	strategies := []func(string, string) (*fuzzyMatch, error){
		lineEndingNormalize,
		trailingSpaceTrim,
		whitespaceCollapse,
		boundaryTrim,
		indentationFlex,
		blockAnchor,
		escapeNormalize,
		contextAware,
	}

	for _, strat := range strategies {
		m, err := strat(content, old)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

func lineEndingNormalize(content, old string) (*fuzzyMatch, error) {
	normalizedOld := strings.ReplaceAll(old, "\r\n", "\n")
	if normalizedOld == old {
		return nil, nil
	}
	idx := strings.Index(content, normalizedOld)
	if idx == -1 {
		return nil, nil
	}
	return &fuzzyMatch{start: idx, end: idx + len(normalizedOld), text: normalizedOld, strategy: "line-ending"}, nil
}

func trailingSpaceTrim(content, old string) (*fuzzyMatch, error) {
	lines := strings.Split(old, "\n")
	changed := false
	for i, l := range lines {
		trimmed := strings.TrimRight(l, " \t")
		if trimmed != l {
			changed = true
		}
		lines[i] = trimmed
	}
	if !changed {
		return nil, nil
	}
	trimmedOld := strings.Join(lines, "\n")
	idx := strings.Index(content, trimmedOld)
	if idx == -1 {
		return nil, nil
	}
	return &fuzzyMatch{start: idx, end: idx + len(trimmedOld), text: trimmedOld, strategy: "trailing-space"}, nil
}

// collapseWhitespace collapses runs of intra-line horizontal whitespace to
// a single space, leaving newlines intact.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.Join(lines, "\n")
}

func whitespaceCollapse(content, old string) (*fuzzyMatch, error) {
	collapsedOld := collapseWhitespace(old)
	if collapsedOld == "" {
		return nil, nil
	}

	oldLineCount := strings.Count(old, "\n") + 1
	contentLines := strings.Split(content, "\n")

	var candidates []fuzzyMatch
	for i := 0; i+oldLineCount <= len(contentLines); i++ {
		block := strings.Join(contentLines[i:i+oldLineCount], "\n")
		if collapseWhitespace(block) == collapsedOld {
			start := lineOffset(content, i)
			candidates = append(candidates, fuzzyMatch{start: start, end: start + len(block), text: block, strategy: "whitespace-collapse"})
		}
	}

	if len(candidates) == 1 {
		return &candidates[0], nil
	}
	return nil, nil
}

func boundaryTrim(content, old string) (*fuzzyMatch, error) {
	trimmed := strings.TrimSpace(old)
	if trimmed == "" || trimmed == old {
		return nil, nil
	}
	idx := strings.Index(content, trimmed)
	if idx == -1 {
		return nil, nil
	}
	return &fuzzyMatch{start: idx, end: idx + len(trimmed), text: trimmed, strategy: "boundary-trim"}, nil
}

func indentationFlex(content, old string) (*fuzzyMatch, error) {
	oldLines := strings.Split(old, "\n")
	contentLines := strings.Split(content, "\n")
	n := len(oldLines)

	var found *fuzzyMatch
	matches := 0
	for i := 0; i+n <= len(contentLines); i++ {
		ok := true
		for j := 0; j < n; j++ {
			if strings.TrimSpace(contentLines[i+j]) != strings.TrimSpace(oldLines[j]) {
				ok = false
				break
			}
		}
		if ok {
			start := lineOffset(content, i)
			block := strings.Join(contentLines[i:i+n], "\n")
			found = &fuzzyMatch{start: start, end: start + len(block), text: block, strategy: "indentation-flex"}
			matches++
		}
	}
	if matches == 1 {
		return found, nil
	}
	return nil, nil
}

func blockAnchor(content, old string) (*fuzzyMatch, error) {
	oldLines := strings.Split(old, "\n")
	if len(oldLines) < 3 {
		return nil, nil
	}
	first := strings.TrimSpace(oldLines[0])
	last := strings.TrimSpace(oldLines[len(oldLines)-1])
	if first == "" || last == "" {
		return nil, nil
	}

	contentLines := strings.Split(content, "\n")
	n := len(oldLines)

	var candidates []fuzzyMatch
	var scores []float64
	for i := 0; i+n <= len(contentLines); i++ {
		if strings.TrimSpace(contentLines[i]) != first || strings.TrimSpace(contentLines[i+n-1]) != last {
			continue
		}
		score := middleLineScore(oldLines, contentLines[i:i+n])
		start := lineOffset(content, i)
		block := strings.Join(contentLines[i:i+n], "\n")
		candidates = append(candidates, fuzzyMatch{start: start, end: start + len(block), text: block, strategy: "block-anchor"})
		scores = append(scores, score)
	}

	return pickBest(candidates, scores, 0.3)
}

func escapeNormalize(content, old string) (*fuzzyMatch, error) {
	unescaped := unescapeString(old)
	if unescaped == old {
		return nil, nil
	}
	idx := strings.Index(content, unescaped)
	if idx == -1 {
		return nil, nil
	}
	return &fuzzyMatch{start: idx, end: idx + len(unescaped), text: unescaped, strategy: "escape-normalize"}, nil
}

func unescapeString(s string) string {
	replacer := strings.NewReplacer(
		`\n`, "\n",
		`\t`, "\t",
		`\r`, "\r",
		`\\`, `\`,
		`\'`, `'`,
		`\"`, `"`,
		"\\`", "`",
		`\$`, `$`,
	)
	return replacer.Replace(s)
}

func contextAware(content, old string) (*fuzzyMatch, error) {
	oldLines := strings.Split(old, "\n")
	if len(oldLines) < 2 {
		return nil, nil
	}

	contentLines := strings.Split(content, "\n")
	n := len(oldLines)

	for i := 0; i+n <= len(contentLines); i++ {
		score := middleLineScore(oldLines, contentLines[i:i+n])
		if score >= 0.5 {
			start := lineOffset(content, i)
			block := strings.Join(contentLines[i:i+n], "\n")
			return &fuzzyMatch{start: start, end: start + len(block), text: block, strategy: "context-aware"}, nil
		}
	}
	return nil, nil
}

// middleLineScore computes the fraction of interior lines (excluding first
// and last) that match exactly or with high similarity.
func middleLineScore(oldLines, candidateLines []string) float64 {
	if len(oldLines) <= 2 {
		return 1.0
	}
	matched := 0.0
	count := len(oldLines) - 2
	for i := 1; i < len(oldLines)-1; i++ {
		a, b := oldLines[i], candidateLines[i]
		if a == b {
			matched++
		} else if similarity(a, b) >= 0.8 {
			matched += 0.8
		}
	}
	return matched / float64(count)
}

// pickBest enforces the ladder's "require >=threshold similarity when there
// are multiple candidates" rule: a lone candidate always wins; with several,
// the highest-scoring one must clear threshold.
func pickBest(candidates []fuzzyMatch, scores []float64, threshold float64) (*fuzzyMatch, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) == 1 {
		return &candidates[0], nil
	}
	bestIdx := 0
	for i, s := range scores {
		if s > scores[bestIdx] {
			bestIdx = i
		}
	}
	if scores[bestIdx] < threshold {
		return nil, nil
	}
	return &candidates[bestIdx], nil
}

// lineOffset returns the byte offset of the start of line n (0-indexed) in
// content.
func lineOffset(content string, n int) int {
	if n == 0 {
		return 0
	}
	lines := strings.SplitN(content, "\n", n+1)
	offset := 0
	for i := 0; i < n; i++ {
		offset += len(lines[i]) + 1
	}
	return offset
}

// similarity calculates normalized Levenshtein similarity.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if len(a) > 10000 || len(b) > 10000 {
		maxLen := max(len(a), len(b))
		minLen := min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := max(len(a), len(b))
	return 1.0 - float64(dist)/float64(maxLen)
}

// swapFallback detects an already-applied edit: `new` is present (uniquely,
// or everywhere under replaceAll) so the edit is treated as an undo of
// `old` for `new`.
func swapFallback(content, old, new string, replaceAll bool) (string, int, error) {
	count := strings.Count(content, new)
	if count == 0 {
		return "", 0, fmt.Errorf("old_string not found in file; content may have changed or the string doesn't exist")
	}
	if !replaceAll && count > 1 {
		return "", 0, fmt.Errorf("new_string already present %d times; cannot determine unique swap target", count)
	}
	if replaceAll {
		return strings.ReplaceAll(content, new, old), count, nil
	}
	return strings.Replace(content, new, old, 1), 1, nil
}
