// Package workflow turns a cleaned action log into a replayable, parameterized
// WorkflowDefinition.
package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lance13c/browzer/internal/selectors"
	"github.com/lance13c/browzer/internal/types"
)

// Step metadata keys
const (
	MetaActionIndex = "action_index"
	MetaActionType  = "action_type"
	MetaChecked     = "checked"
	MetaField       = "field"
	// comma separated indices of earlier actions merged into the step
	MetaMergedIndices = "merged_action_indices"
)

// describedAttrs are copied from the capture target into the step description
var describedAttrs = []string{"id", "name", "type", "placeholder", "aria-label", "data-testid", "data-test", "href"}

// ConvertActionsToSteps maps actions to steps, merges consecutive inputs on the
// same field (latest value wins) and drops a navigation immediately followed
// by another navigation. maxStrategies caps each step's selectors.
func ConvertActionsToSteps(actions []types.RecordedAction, maxStrategies int) []types.WorkflowStep {
	var steps []types.WorkflowStep
	// targets[i] is the capture target behind steps[i]
	var targets []*types.ElementTarget

	for i := range actions {
		a := &actions[i]
		step, ok := stepFor(a, i, maxStrategies)
		if !ok {
			continue
		}

		if n := len(steps); n > 0 {
			prev := &steps[n-1]
			switch {
			case step.Type == types.StepInput && prev.Type == types.StepInput && a.Target.SameElement(targets[n-1]):
				prev.Value = step.Value
				merged := prev.Metadata[MetaActionIndex]
				if earlier := prev.Metadata[MetaMergedIndices]; earlier != "" {
					merged = earlier + "," + merged
				}
				prev.Metadata[MetaMergedIndices] = merged
				prev.Metadata[MetaActionIndex] = step.Metadata[MetaActionIndex]
				prev.Description = step.Description
				continue
			case step.Type == types.StepNavigation && prev.Type == types.StepNavigation:
				steps = steps[:n-1]
				targets = targets[:n-1]
			}
		}
		steps = append(steps, step)
		targets = append(targets, a.Target)
	}

	for i := range steps {
		steps[i].ID = fmt.Sprintf("step-%d", i+1)
	}
	return steps
}

func stepFor(a *types.RecordedAction, index, maxStrategies int) (types.WorkflowStep, bool) {
	step := types.WorkflowStep{
		Metadata: map[string]string{
			MetaActionIndex: strconv.Itoa(index),
			MetaActionType:  string(a.Type),
		},
	}
	if a.Target != nil {
		step.Target = Describe(a.Target)
		step.Selectors = selectors.Cap(selectors.Generate(a.Target), maxStrategies)
		if f := fieldName(a.Target); f != "" {
			step.Metadata[MetaField] = f
		}
	}
	name := ""
	if step.Target != nil {
		name = step.Target.Name
	}

	switch a.Type {
	case types.ActionNavigate:
		step.Type = types.StepNavigation
		step.URL = a.URL
		if step.URL == "" {
			step.URL = a.StringValue()
		}
		step.Description = "Navigate to " + step.URL
		step.Target = nil
		step.Selectors = nil
	case types.ActionClick, types.ActionSubmit:
		step.Type = types.StepClick
		step.Description = fmt.Sprintf("Click %s", quoteOr(name, "element"))
	case types.ActionCheckbox, types.ActionRadio:
		step.Type = types.StepClick
		checked := a.StringValue()
		if checked == "" {
			checked = "true"
		}
		step.Metadata[MetaChecked] = checked
		step.Description = fmt.Sprintf("Set %s to %s", quoteOr(name, string(a.Type)), checked)
	case types.ActionInput:
		step.Type = types.StepInput
		step.Value = a.StringValue()
		step.Description = fmt.Sprintf("Type into %s", quoteOr(name, "field"))
	case types.ActionSelect:
		step.Type = types.StepSelectChange
		step.Value = a.StringValue()
		step.Description = fmt.Sprintf("Select %q in %s", step.Value, quoteOr(name, "list"))
	case types.ActionKeypress:
		step.Type = types.StepKeyPress
		step.Key = a.StringValue()
		step.Description = "Press " + step.Key
	default:
		// file uploads reference local paths that do not travel with a workflow
		return step, false
	}
	return step, true
}

// Describe derives the resolver-facing description of a capture target
func Describe(t *types.ElementTarget) *types.TargetDescription {
	desc := &types.TargetDescription{
		Role:    t.Role(),
		Name:    accessibleName(t),
		TagName: strings.ToLower(t.TagName),
	}
	for _, k := range describedAttrs {
		if v := t.Attr(k); v != "" {
			if desc.Attributes == nil {
				desc.Attributes = map[string]string{}
			}
			desc.Attributes[k] = v
		}
	}
	return desc
}

// accessibleName approximates the name the accessibility tree will report
func accessibleName(t *types.ElementTarget) string {
	if v := t.Attr("aria-label"); v != "" {
		return v
	}
	tag := strings.ToLower(t.TagName)
	if tag == "input" || tag == "textarea" || tag == "select" {
		return firstNonEmpty(t.Label, t.Attr("placeholder"), t.Attr("title"))
	}
	text := strings.Join(strings.Fields(t.Text), " ")
	if len(text) > 80 {
		text = ""
	}
	return firstNonEmpty(text, t.Label, t.Attr("title"), t.Attr("alt"))
}

// fieldName is the most stable identity of a form field
func fieldName(t *types.ElementTarget) string {
	return firstNonEmpty(t.Attr("name"), t.Attr("id"), t.Label, t.Attr("placeholder"), t.Attr("aria-label"))
}

func quoteOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return strconv.Quote(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
