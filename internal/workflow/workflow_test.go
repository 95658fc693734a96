package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lance13c/browzer/internal/analyzer"
	"github.com/lance13c/browzer/internal/types"
)

var emailField = &types.ElementTarget{
	Selector:   "#email",
	TagName:    "INPUT",
	Label:      "Email",
	Attributes: map[string]string{"id": "email", "name": "email", "type": "email"},
}

var submitButton = &types.ElementTarget{
	Selector: "form > button",
	XPath:    "/html/body/form/button",
	TagName:  "BUTTON",
	Text:     "Log in",
	Attributes: map[string]string{
		"type": "submit",
	},
}

func loginRecording() *types.Recording {
	return &types.Recording{
		ID:       "rec-1",
		StartURL: "https://x.test/login",
		Actions: []types.RecordedAction{
			{Type: types.ActionNavigate, Timestamp: 1000, URL: "https://x.test/login"},
			{Type: types.ActionInput, Timestamp: 2000, Target: emailField, Value: "a@b.com", URL: "https://x.test/login"},
			{Type: types.ActionInput, Timestamp: 2600, Target: emailField, Value: "a@b.com2", URL: "https://x.test/login"},
			{Type: types.ActionClick, Timestamp: 3500, Target: submitButton, URL: "https://x.test/login",
				Effects: &types.Effects{NavigationOccurred: true, Network: &types.NetworkEffect{RequestCount: 1}}},
		},
	}
}

func TestBuildLoginScenario(t *testing.T) {
	b := NewBuilder(Options{Analyzer: analyzer.DefaultOptions(), MaxStrategies: 8}, nil)
	b.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	wf, report, err := b.Build(context.Background(), loginRecording(), "login")
	require.NoError(t, err)

	require.Len(t, wf.Steps, 3)
	assert.Equal(t, types.StepNavigation, wf.Steps[0].Type)
	assert.Equal(t, "https://x.test/login", wf.Steps[0].URL)

	assert.Equal(t, types.StepInput, wf.Steps[1].Type)
	assert.Equal(t, "{email}", wf.Steps[1].Value)
	assert.Equal(t, "a@b.com2", wf.Steps[1].DefaultValue)
	assert.Equal(t, "Email", wf.Steps[1].Target.Name)
	assert.Equal(t, "textbox", wf.Steps[1].Target.Role)

	assert.Equal(t, types.StepClick, wf.Steps[2].Type)
	require.NotEmpty(t, wf.Steps[2].Selectors)
	assert.Equal(t, types.StrategyText, wf.Steps[2].Selectors[0].Type)
	assert.Equal(t, types.StrategyXPathAbsolute, wf.Steps[2].Selectors[len(wf.Steps[2].Selectors)-1].Type)

	require.Len(t, wf.InputSchema, 1)
	assert.Equal(t, "email", wf.InputSchema[0].Name)
	assert.Equal(t, FormatEmail, wf.InputSchema[0].Format)
	assert.Equal(t, "a@b.com2", wf.InputSchema[0].Default)

	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, "rec-1", wf.Metadata["recording_id"])
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 3, report.Steps)
	for i, s := range wf.Steps {
		assert.NotEmpty(t, s.ID, "step %d", i)
	}
}

func TestBuildDoesNotMutateRecording(t *testing.T) {
	rec := loginRecording()
	rec.Actions = append(rec.Actions,
		types.RecordedAction{Type: types.ActionClick, Timestamp: 3600, Target: submitButton,
			Effects: &types.Effects{NavigationOccurred: true}})

	wf, report, err := NewBuilder(Options{Analyzer: analyzer.DefaultOptions()}, nil).Build(context.Background(), rec, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed, "double click is redundant")
	assert.Len(t, wf.Steps, 3)
	assert.Len(t, rec.Actions, 5)
	assert.False(t, rec.Actions[4].IsUnnecessary())
	assert.Equal(t, "Workflow for https://x.test/login", wf.Name)
}

func TestBuildHonoursEnrichmentHints(t *testing.T) {
	rec := loginRecording()
	rec.Actions[1].Target = &types.ElementTarget{Selector: "#code", TagName: "INPUT", Attributes: map[string]string{"name": "code"}}
	rec.Actions[1].Value = "X7-99"
	rec.Actions = rec.Actions[:2]
	rec.EnrichmentVariables = []types.EnrichmentVariable{
		{ActionIndex: 1, Name: "invite code", Confidence: 0.9},
		{ActionIndex: 0, Name: "ignored", Confidence: 0.1},
	}

	wf, _, err := NewBuilder(Options{Analyzer: analyzer.DefaultOptions()}, nil).Build(context.Background(), rec, "invite")
	require.NoError(t, err)
	require.Len(t, wf.InputSchema, 1)
	assert.Equal(t, "invite_code", wf.InputSchema[0].Name)
	assert.Equal(t, "{invite_code}", wf.Steps[1].Value)
}

func TestHintOnEarlierMergedInputIsHonoured(t *testing.T) {
	rec := loginRecording()
	rec.EnrichmentVariables = []types.EnrichmentVariable{
		{ActionIndex: 1, Name: "work email", Format: FormatEmail, Confidence: 0.9},
	}

	wf, _, err := NewBuilder(Options{Analyzer: analyzer.DefaultOptions()}, nil).Build(context.Background(), rec, "login")
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, "2", wf.Steps[1].Metadata[MetaActionIndex])
	assert.Equal(t, "1", wf.Steps[1].Metadata[MetaMergedIndices])
	require.Len(t, wf.InputSchema, 1)
	assert.Equal(t, "work_email", wf.InputSchema[0].Name)
	assert.Equal(t, "{work_email}", wf.Steps[1].Value)
}

func TestHintOnLatestMergedInputWins(t *testing.T) {
	steps := []types.WorkflowStep{{
		Type:  types.StepInput,
		Value: "a@b.com2",
		Metadata: map[string]string{
			MetaActionIndex:   "5",
			MetaMergedIndices: "2,3",
		},
	}}
	_, vars := NewExtractor(map[int]Hint{
		2: {Name: "first"},
		3: {Name: "second"},
		5: {Name: "latest"},
	}).Extract(steps)
	require.Len(t, vars, 1)
	assert.Equal(t, "latest", vars[0].Name)

	_, vars = NewExtractor(map[int]Hint{2: {Name: "first"}, 3: {Name: "second"}}).Extract(steps)
	require.Len(t, vars, 1)
	assert.Equal(t, "second", vars[0].Name)
}

func TestBuildEmptyRecording(t *testing.T) {
	_, _, err := NewBuilder(Options{}, nil).Build(context.Background(), &types.Recording{}, "")
	assert.Error(t, err)
}

func TestConvertMergesInputsAndDropsChainedNavigation(t *testing.T) {
	other := &types.ElementTarget{Selector: "#pw", TagName: "INPUT", Attributes: map[string]string{"name": "password", "type": "password"}}
	actions := []types.RecordedAction{
		{Type: types.ActionNavigate, URL: "https://x.test/"},
		{Type: types.ActionNavigate, URL: "https://x.test/redirect"},
		{Type: types.ActionNavigate, URL: "https://x.test/login"},
		{Type: types.ActionInput, Target: emailField, Value: "a"},
		{Type: types.ActionInput, Target: emailField, Value: "ab"},
		{Type: types.ActionInput, Target: other, Value: "secret"},
		{Type: types.ActionKeypress, Value: "Enter"},
		{Type: types.ActionSubmit, Target: submitButton},
		{Type: types.ActionFileUpload, Target: other, Value: "/tmp/x"},
		{Type: types.ActionCheckbox, Target: &types.ElementTarget{TagName: "INPUT", Label: "Remember me", Attributes: map[string]string{"type": "checkbox"}}, Value: false},
	}
	steps := ConvertActionsToSteps(actions, 8)

	var kinds []types.StepType
	for _, s := range steps {
		kinds = append(kinds, s.Type)
	}
	assert.Equal(t, []types.StepType{
		types.StepNavigation, types.StepInput, types.StepInput, types.StepKeyPress, types.StepClick, types.StepClick,
	}, kinds)
	assert.Equal(t, "https://x.test/login", steps[0].URL)
	assert.Equal(t, "ab", steps[1].Value)
	assert.Equal(t, "4", steps[1].Metadata[MetaActionIndex])
	assert.Equal(t, "Enter", steps[3].Key)
	assert.Equal(t, "submit", steps[4].Metadata[MetaActionType])
	assert.Equal(t, "false", steps[5].Metadata[MetaChecked])
	assert.Equal(t, "step-6", steps[5].ID)
}

func TestInputMergeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		first := rapid.String().Draw(t, "first")
		second := rapid.String().Draw(t, "second")
		steps := ConvertActionsToSteps([]types.RecordedAction{
			{Type: types.ActionInput, Target: emailField, Value: first},
			{Type: types.ActionInput, Target: emailField, Value: second},
		}, 8)
		if len(steps) != 1 {
			t.Fatalf("got %d steps", len(steps))
		}
		if steps[0].Value != second {
			t.Fatalf("value %q, want %q", steps[0].Value, second)
		}
	})
}

func TestExtractURLVariables(t *testing.T) {
	steps := []types.WorkflowStep{
		{Type: types.StepNavigation, URL: "https://shop.test/orders/12345/items/550e8400-e29b-41d4-a716-446655440000"},
		{Type: types.StepNavigation, URL: "https://github.com/lance13c/browzer"},
		{Type: types.StepNavigation, URL: "https://shop.test/search?q=red+shoes&utm_source=mail&page=2"},
		{Type: types.StepNavigation, URL: "https://shop.test/orders/777"},
		{Type: types.StepNavigation, URL: "https://shop.test/docs/intro"},
	}
	out, vars := ExtractVariables(steps)

	assert.Equal(t, "https://shop.test/orders/{order_id}/items/{item_id}", out[0].URL)
	assert.Equal(t, "https://github.com/{owner}/{repo}", out[1].URL)
	assert.Equal(t, "https://shop.test/search?q={q}&utm_source=mail&page=2", out[2].URL)
	assert.Equal(t, "https://shop.test/orders/{order_id}", out[3].URL)
	assert.Equal(t, "https://shop.test/docs/intro", out[4].URL)

	byName := map[string]types.InputVariable{}
	for _, v := range vars {
		byName[v.Name] = v
	}
	require.Len(t, vars, 5)
	assert.Equal(t, "777", byName["order_id"].Default, "re-detection keeps the most recent value")
	assert.Equal(t, FormatUUID, byName["item_id"].Format)
	assert.Equal(t, "lance13c", byName["owner"].Default)
	assert.Equal(t, "red shoes", byName["q"].Default)
	assert.Equal(t, "https://shop.test/orders/12345/items/550e8400-e29b-41d4-a716-446655440000", steps[0].URL, "input untouched")
}

func TestExtractInputVariables(t *testing.T) {
	steps := []types.WorkflowStep{
		{Type: types.StepInput, Value: "+1 (555) 010-9999", Metadata: map[string]string{MetaField: "contact"}},
		{Type: types.StepInput, Value: "hunter2", Target: &types.TargetDescription{Attributes: map[string]string{"type": "password"}}, Metadata: map[string]string{MetaField: "pw"}},
		{Type: types.StepInput, Value: "just words", Metadata: map[string]string{MetaField: "notes"}},
		{Type: types.StepInput, Value: "Jane", Target: &types.TargetDescription{Name: "First name"}, Metadata: map[string]string{MetaField: "first_name"}},
		{Type: types.StepSelectChange, Value: "https://a.test", Metadata: map[string]string{MetaField: "Home Page!"}},
	}
	out, vars := ExtractVariables(steps)

	assert.Equal(t, "{contact}", out[0].Value)
	assert.Equal(t, "{pw}", out[1].Value)
	assert.Equal(t, "", out[1].DefaultValue, "passwords keep no default")
	assert.Equal(t, "just words", out[2].Value)
	assert.Equal(t, "{first_name}", out[3].Value)
	assert.Equal(t, "{home_page}", out[4].Value)

	require.Len(t, vars, 4)
	assert.Equal(t, FormatPhone, vars[0].Format)
	assert.Equal(t, FormatPassword, vars[1].Format)
	assert.Equal(t, FormatURL, vars[3].Format)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "first_name", Sanitize(" First Name "))
	assert.Equal(t, "v_2fa_code", Sanitize("2FA code"))
	assert.Equal(t, "", Sanitize("!!!"))
}

func TestDiffAndApplyUpdate(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	v1 := &types.WorkflowDefinition{
		ID: "wf", Name: "login", Version: 1, CreatedAt: created, UpdatedAt: created,
		Steps: []types.WorkflowStep{{ID: "step-1", Type: types.StepNavigation, URL: "https://x.test"}},
	}
	next := &types.WorkflowDefinition{
		Steps: []types.WorkflowStep{
			{ID: "step-1", Type: types.StepNavigation, URL: "https://x.test"},
			{ID: "step-2", Type: types.StepWait, Timeout: time.Second},
		},
		UpdatedAt: created.Add(time.Hour),
	}
	v2 := ApplyUpdate(v1, next)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "wf", v2.ID)
	assert.Equal(t, "login", v2.Name)
	assert.Equal(t, created, v2.CreatedAt)
	assert.Equal(t, 1, v1.Version)

	change, err := Diff(v1, v2)
	require.NoError(t, err)
	assert.False(t, change.Empty())
	assert.Contains(t, change.Patch, "+version: 2")
	assert.Contains(t, change.Patch, "-version: 1")
	assert.Contains(t, change.Patch, "+      type: wait")

	same, err := Diff(v1, v1)
	require.NoError(t, err)
	assert.True(t, same.Empty())
}
