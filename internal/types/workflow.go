package types

import "time"

// StepType is the replay-time unit kind
type StepType string

const (
	StepNavigation   StepType = "navigation"
	StepClick        StepType = "click"
	StepInput        StepType = "input"
	StepKeyPress     StepType = "key_press"
	StepSelectChange StepType = "select_change"
	StepScroll       StepType = "scroll"
	StepWait         StepType = "wait"
	StepExtract      StepType = "extract"
)

// StrategyType names a locator strategy
type StrategyType string

const (
	StrategyText          StrategyType = "text"
	StrategyFuzzyText     StrategyType = "fuzzy_text"
	StrategyAriaLabel     StrategyType = "aria_label"
	StrategyPlaceholder   StrategyType = "placeholder"
	StrategyTitle         StrategyType = "title"
	StrategyAltText       StrategyType = "alt_text"
	StrategyRoleText      StrategyType = "role_text"
	StrategySemanticXPath StrategyType = "xpath_semantic"
	StrategyCSSID         StrategyType = "css_id"
	StrategyCSS           StrategyType = "css"
	StrategyXPathAbsolute StrategyType = "xpath_absolute"
)

// SelectorStrategy is one way of locating a step's element. Lower priority is tried first.
type SelectorStrategy struct {
	Type     StrategyType      `json:"type" yaml:"type"`
	Value    string            `json:"value" yaml:"value"`
	Priority int               `json:"priority" yaml:"priority"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TargetDescription is the loose, resolver-facing description of a step target
type TargetDescription struct {
	Role       string            `json:"role,omitempty" yaml:"role,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	TagName    string            `json:"tag_name,omitempty" yaml:"tag_name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Empty reports whether the description constrains nothing
func (d TargetDescription) Empty() bool {
	return d.Role == "" && d.Name == "" && len(d.Attributes) == 0
}

// WorkflowStep is the replay-time unit. It never carries a raw ElementTarget.
type WorkflowStep struct {
	ID           string             `json:"id" yaml:"id"`
	Type         StepType           `json:"type" yaml:"type"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Target       *TargetDescription `json:"target,omitempty" yaml:"target,omitempty"`
	URL          string             `json:"url,omitempty" yaml:"url,omitempty"`
	Value        string             `json:"value,omitempty" yaml:"value,omitempty"`
	DefaultValue string             `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	Key          string             `json:"key,omitempty" yaml:"key,omitempty"`
	Selectors    []SelectorStrategy `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Timeout      time.Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Optional     bool               `json:"optional,omitempty" yaml:"optional,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// VariableType is the value type of an input variable
type VariableType string

const (
	VarString  VariableType = "string"
	VarNumber  VariableType = "number"
	VarBoolean VariableType = "boolean"
)

// InputVariable is a named workflow parameter referenced as {name}
type InputVariable struct {
	Name        string       `json:"name" yaml:"name"`
	Type        VariableType `json:"type" yaml:"type"`
	Required    bool         `json:"required" yaml:"required"`
	Default     string       `json:"default,omitempty" yaml:"default,omitempty"`
	Format      string       `json:"format,omitempty" yaml:"format,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// WorkflowDefinition is the persisted, replayable automation
type WorkflowDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int               `json:"version" yaml:"version"`
	Steps       []WorkflowStep    `json:"steps" yaml:"steps"`
	InputSchema []InputVariable   `json:"input_schema" yaml:"input_schema"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Variable returns the named input variable
func (w *WorkflowDefinition) Variable(name string) (*InputVariable, bool) {
	for i := range w.InputSchema {
		if w.InputSchema[i].Name == name {
			return &w.InputSchema[i], true
		}
	}
	return nil, false
}

// WorkflowSummary is the list view of a stored workflow
type WorkflowSummary struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Version   int       `json:"version" yaml:"version"`
	Steps     int       `json:"steps" yaml:"steps"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Summary returns the list view of w
func (w *WorkflowDefinition) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:        w.ID,
		Name:      w.Name,
		Version:   w.Version,
		Steps:     len(w.Steps),
		UpdatedAt: w.UpdatedAt,
	}
}
