package workflow

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/lance13c/browzer/internal/types"
)

// Change summarizes the difference between two workflow versions
type Change struct {
	Patch   string `json:"patch"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// Empty reports whether nothing changed
func (c Change) Empty() bool {
	return c.Added == 0 && c.Deleted == 0
}

// Diff compares the YAML renderings of two workflows line by line
func Diff(before, after *types.WorkflowDefinition) (Change, error) {
	a, err := yaml.Marshal(before)
	if err != nil {
		return Change{}, fmt.Errorf("marshal previous version: %w", err)
	}
	b, err := yaml.Marshal(after)
	if err != nil {
		return Change{}, fmt.Errorf("marshal new version: %w", err)
	}

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(string(a), string(b))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var c Change
	var patch strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			if prefix == "+" {
				c.Added++
			} else {
				c.Deleted++
			}
			patch.WriteString(prefix + strings.TrimSuffix(line, "\n") + "\n")
		}
	}
	c.Patch = patch.String()
	return c, nil
}

// ApplyUpdate replaces steps and metadata of current with those of next and
// bumps the version. Identity and creation time are kept.
func ApplyUpdate(current, next *types.WorkflowDefinition) *types.WorkflowDefinition {
	updated := *current
	updated.Steps = next.Steps
	updated.InputSchema = next.InputSchema
	if next.Name != "" {
		updated.Name = next.Name
	}
	if next.Description != "" {
		updated.Description = next.Description
	}
	if next.Metadata != nil {
		updated.Metadata = next.Metadata
	}
	updated.Version = current.Version + 1
	updated.UpdatedAt = next.UpdatedAt
	return &updated
}
