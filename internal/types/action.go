package types

import (
	"sort"
	"strings"
)

// ActionType identifies the kind of interaction the recorder observed
type ActionType string

const (
	ActionClick      ActionType = "click"
	ActionInput      ActionType = "input"
	ActionKeypress   ActionType = "keypress"
	ActionSelect     ActionType = "select"
	ActionCheckbox   ActionType = "checkbox"
	ActionRadio      ActionType = "radio"
	ActionFileUpload ActionType = "file-upload"
	ActionSubmit     ActionType = "submit"
	ActionNavigate   ActionType = "navigate"
)

// Valid reports whether t is one of the known action types
func (t ActionType) Valid() bool {
	switch t {
	case ActionClick, ActionInput, ActionKeypress, ActionSelect, ActionCheckbox,
		ActionRadio, ActionFileUpload, ActionSubmit, ActionNavigate:
		return true
	}
	return false
}

// VerifiedImmediately reports whether the action's effect is definitionally
// "value changed" and therefore needs no effect verification window.
func (t ActionType) VerifiedImmediately() bool {
	return t != ActionClick
}

// Metadata keys written by the usefulness analyzer
const (
	MetaUnnecessary = "unnecessary"
	MetaReason      = "reason"
	MetaDetails     = "details"
	MetaFormContext = "form_context"
	MetaValidation  = "validation"
)

// RecordedAction is one observed interaction
type RecordedAction struct {
	Seq            int                    `json:"seq" yaml:"seq"`
	Type           ActionType             `json:"type" yaml:"type"`
	Timestamp      int64                  `json:"timestamp" yaml:"timestamp"`
	Target         *ElementTarget         `json:"target,omitempty" yaml:"target,omitempty"`
	Value          interface{}            `json:"value,omitempty" yaml:"value,omitempty"`
	URL            string                 `json:"url,omitempty" yaml:"url,omitempty"`
	TabID          string                 `json:"tab_id,omitempty" yaml:"tab_id,omitempty"`
	Effects        *Effects               `json:"effects,omitempty" yaml:"effects,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	PreviousAction *ActionLink            `json:"previous_action,omitempty" yaml:"previous_action,omitempty"`
	NextAction     *ActionLink            `json:"next_action,omitempty" yaml:"next_action,omitempty"`
	SnapshotPath   string                 `json:"snapshot_path,omitempty" yaml:"snapshot_path,omitempty"`
}

// ActionLink is a denormalized backlink to a neighbouring action by log index
type ActionLink struct {
	ID   int        `json:"id" yaml:"id"`
	Type ActionType `json:"type,omitempty" yaml:"type,omitempty"`
}

// ElementTarget describes a DOM node as it looked at capture time
type ElementTarget struct {
	Selector      string            `json:"selector" yaml:"selector"`
	XPath         string            `json:"xpath,omitempty" yaml:"xpath,omitempty"`
	TagName       string            `json:"tag_name" yaml:"tag_name"`
	Attributes    map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Text          string            `json:"text,omitempty" yaml:"text,omitempty"`
	Label         string            `json:"label,omitempty" yaml:"label,omitempty"`
	BoundingRect  *Rect             `json:"bounding_rect,omitempty" yaml:"bounding_rect,omitempty"`
	IsInteractive bool              `json:"is_interactive" yaml:"is_interactive"`
	IsVisible     bool              `json:"is_visible" yaml:"is_visible"`
	OuterHTML     string            `json:"outer_html,omitempty" yaml:"outer_html,omitempty"`
}

// Rect is a bounding box in CSS pixels
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Attr returns a target attribute or "" when absent
func (t *ElementTarget) Attr(name string) string {
	if t == nil || t.Attributes == nil {
		return ""
	}
	return t.Attributes[name]
}

// Role returns the explicit role attribute, falling back to the implicit role of the tag
func (t *ElementTarget) Role() string {
	if t == nil {
		return ""
	}
	if role := t.Attr("role"); role != "" {
		return role
	}
	switch strings.ToLower(t.TagName) {
	case "button":
		return "button"
	case "a":
		return "link"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch strings.ToLower(t.Attr("type")) {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset":
			return "button"
		case "search":
			return "searchbox"
		default:
			return "textbox"
		}
	}
	return ""
}

// SameElement reports whether two targets very likely refer to the same DOM element
func (t *ElementTarget) SameElement(other *ElementTarget) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Selector != "" && t.Selector == other.Selector {
		return true
	}
	if id := t.Attr("id"); id != "" && id == other.Attr("id") {
		return true
	}
	if t.XPath != "" && t.XPath == other.XPath {
		return true
	}
	return false
}

// Effects summarizes the side effects observed after an action
type Effects struct {
	Network            *NetworkEffect `json:"network,omitempty" yaml:"network,omitempty"`
	Focus              *FocusEffect   `json:"focus,omitempty" yaml:"focus,omitempty"`
	Scroll             *ScrollEffect  `json:"scroll,omitempty" yaml:"scroll,omitempty"`
	Modal              *ModalEffect   `json:"modal,omitempty" yaml:"modal,omitempty"`
	NavigationOccurred bool           `json:"navigation_occurred,omitempty" yaml:"navigation_occurred,omitempty"`
	FormSubmitted      bool           `json:"form_submitted,omitempty" yaml:"form_submitted,omitempty"`
	StateChanged       bool           `json:"state_changed,omitempty" yaml:"state_changed,omitempty"`
	Summary            string         `json:"summary,omitempty" yaml:"summary,omitempty"`
	VerifiedBy         string         `json:"verified_by,omitempty" yaml:"verified_by,omitempty"`
}

// NetworkEffect lists the significant requests observed after an action
type NetworkEffect struct {
	RequestCount int               `json:"request_count" yaml:"request_count"`
	Requests     []ObservedRequest `json:"requests,omitempty" yaml:"requests,omitempty"`
}

// ObservedRequest is a network request seen during an effect window
type ObservedRequest struct {
	URL          string `json:"url" yaml:"url"`
	Method       string `json:"method" yaml:"method"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	Status       int64  `json:"status,omitempty" yaml:"status,omitempty"`
	Timestamp    int64  `json:"timestamp" yaml:"timestamp"`
}

// FocusEffect records a focus move to another element
type FocusEffect struct {
	Changed bool   `json:"changed" yaml:"changed"`
	TagName string `json:"tag_name,omitempty" yaml:"tag_name,omitempty"`
}

// ScrollEffect records how far the page scrolled
type ScrollEffect struct {
	DeltaX   float64 `json:"delta_x" yaml:"delta_x"`
	DeltaY   float64 `json:"delta_y" yaml:"delta_y"`
	Distance float64 `json:"distance" yaml:"distance"`
}

// ModalEffect records a dialog appearing
type ModalEffect struct {
	Appeared bool   `json:"appeared" yaml:"appeared"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
}

// SetMeta sets a metadata key, allocating the map on first use
func (a *RecordedAction) SetMeta(key string, value interface{}) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]interface{})
	}
	a.Metadata[key] = value
}

// Flag marks the action as unnecessary. The first reason wins.
func (a *RecordedAction) Flag(reason, details string) {
	if a.IsUnnecessary() {
		return
	}
	a.SetMeta(MetaUnnecessary, true)
	a.SetMeta(MetaReason, reason)
	a.SetMeta(MetaDetails, details)
}

// IsUnnecessary reports whether the analyzer flagged the action
func (a *RecordedAction) IsUnnecessary() bool {
	if a.Metadata == nil {
		return false
	}
	v, _ := a.Metadata[MetaUnnecessary].(bool)
	return v
}

// FlagReason returns the reason recorded by the analyzer, if any
func (a *RecordedAction) FlagReason() string {
	if a.Metadata == nil {
		return ""
	}
	s, _ := a.Metadata[MetaReason].(string)
	return s
}

// StringValue renders Value as a string regardless of its dynamic type
func (a *RecordedAction) StringValue() string {
	switch v := a.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []string:
		return strings.Join(v, ",")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// SortByTimestamp orders actions by capture time. Protocol delivery order is not
// guaranteed to match capture order across tabs, so this is stable on ties.
func SortByTimestamp(actions []RecordedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp < actions[j].Timestamp
	})
}
