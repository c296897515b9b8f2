// Package patch wraps diff-match-patch as the text codec used for
// collaborative edits.
package patch

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Codec turns text pairs into patches and applies patches to text.
// Implementations must be pure and must never panic on a well-formed patch
// that does not match its base.
type Codec interface {
	Diff(oldText, newText string) string
	Apply(base, patch string) (string, bool)
}

// DMP is a Codec producing diff-match-patch patch text.
type DMP struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

var _ Codec = (*DMP)(nil)

// New returns a codec with the library's default fuzzy-match settings.
func New() *DMP {
	return &DMP{dmp: diffmatchpatch.New()}
}

// Diff returns the textual patch transforming oldText into newText.
func (c *DMP) Diff(oldText, newText string) string {
	return c.dmp.PatchToText(c.dmp.PatchMake(oldText, newText))
}

// Apply applies a textual patch to base. It succeeds only when every hunk
// found a (possibly fuzzy) match; otherwise base is returned unchanged.
func (c *DMP) Apply(base, patch string) (result string, ok bool) {
	// patch text comes straight off the wire
	defer func() {
		if r := recover(); r != nil {
			result, ok = base, false
		}
	}()

	patches, err := c.dmp.PatchFromText(patch)
	if err != nil {
		return base, false
	}
	if len(patches) == 0 {
		return base, strings.TrimSpace(patch) == ""
	}

	result, applied := c.dmp.PatchApply(patches, base)
	for _, ok := range applied {
		if !ok {
			return base, false
		}
	}
	return result, true
}

// LineChange is one line of a line-oriented diff.
type LineChange struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// Line change types
const (
	LineAdded     = "added"
	LineRemoved   = "removed"
	LineUnchanged = "unchanged"
)

// LineDiff computes a line-by-line diff between two texts.
func (c *DMP) LineDiff(oldText, newText string) []LineChange {
	chars1, chars2, lines := c.dmp.DiffLinesToChars(oldText, newText)
	diffs := c.dmp.DiffCharsToLines(c.dmp.DiffMain(chars1, chars2, false), lines)

	var changes []LineChange
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
				changes = append(changes, LineChange{Type: LineUnchanged, Content: line, OldLine: oldLine, NewLine: newLine})
			case diffmatchpatch.DiffDelete:
				oldLine++
				changes = append(changes, LineChange{Type: LineRemoved, Content: line, OldLine: oldLine})
			case diffmatchpatch.DiffInsert:
				newLine++
				changes = append(changes, LineChange{Type: LineAdded, Content: line, NewLine: newLine})
			}
		}
	}
	return changes
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\n")
	}
	return lines
}
