package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lance13c/browzer/internal/types"
)

func click(ts int64, sel, text string, effects *types.Effects) types.RecordedAction {
	return types.RecordedAction{
		Type:      types.ActionClick,
		Timestamp: ts,
		Target:    &types.ElementTarget{Selector: sel, TagName: "BUTTON", Text: text, IsInteractive: true},
		Effects:   effects,
	}
}

func input(ts int64, sel, value string) types.RecordedAction {
	return types.RecordedAction{
		Type:      types.ActionInput,
		Timestamp: ts,
		Target:    &types.ElementTarget{Selector: sel, TagName: "INPUT"},
		Value:     value,
	}
}

func navigate(ts int64, url string) types.RecordedAction {
	return types.RecordedAction{Type: types.ActionNavigate, Timestamp: ts, URL: url, Value: url}
}

var withRequest = &types.Effects{Network: &types.NetworkEffect{RequestCount: 1}}

func TestHasSignificantEffect(t *testing.T) {
	assert.False(t, HasSignificantEffect(nil, 50))
	assert.False(t, HasSignificantEffect(&types.Effects{}, 50))
	assert.True(t, HasSignificantEffect(withRequest, 50))
	assert.True(t, HasSignificantEffect(&types.Effects{Focus: &types.FocusEffect{Changed: true}}, 50))
	assert.True(t, HasSignificantEffect(&types.Effects{Modal: &types.ModalEffect{Appeared: true}}, 50))
	assert.False(t, HasSignificantEffect(&types.Effects{Scroll: &types.ScrollEffect{Distance: 20}}, 50))
	assert.True(t, HasSignificantEffect(&types.Effects{Scroll: &types.ScrollEffect{Distance: 200}}, 50))
	assert.False(t, HasSignificantEffect(&types.Effects{NavigationOccurred: true, Summary: "No significant effects"}, 50))
	assert.False(t, HasSignificantEffect(&types.Effects{StateChanged: true, Summary: "none"}, 50))
}

func TestAccidentalClick(t *testing.T) {
	actions := []types.RecordedAction{
		click(1000, "#a", "Menu", nil),
		click(1400, "#b", "Settings", withRequest),
		click(5000, "#c", "Save", nil),
		click(9000, "#d", "Close", withRequest),
	}
	report := New(DefaultOptions(), nil).Analyze(actions)

	assert.True(t, actions[0].IsUnnecessary())
	assert.Equal(t, ReasonAccidentalClick, actions[0].FlagReason())
	assert.False(t, actions[1].IsUnnecessary())
	assert.False(t, actions[2].IsUnnecessary(), "outside window")
	assert.Equal(t, 1, report.Flagged)
}

func TestAccidentalClickOnNonInteractiveTarget(t *testing.T) {
	actions := []types.RecordedAction{
		{Type: types.ActionClick, Timestamp: 0, Target: &types.ElementTarget{
			Selector: "div.hero", TagName: "DIV", OuterHTML: `<div class="hero"><h1>Welcome</h1></div>`,
		}},
		click(300, "#go", "Go", withRequest),
	}
	New(DefaultOptions(), nil).Analyze(actions)
	require.True(t, actions[0].IsUnnecessary())
	assert.Contains(t, actions[0].Metadata[types.MetaDetails], "non-interactive")
}

func TestFailedAttempt(t *testing.T) {
	actions := []types.RecordedAction{
		click(0, "#save-1", "Save", nil),
		navigate(5000, "https://x.test/other"),
		click(9000, "#save-2", "Save draft", withRequest),
	}
	New(DefaultOptions(), nil).Analyze(actions)
	assert.Equal(t, ReasonFailedAttempt, actions[0].FlagReason())
	assert.False(t, actions[2].IsUnnecessary())
}

func TestRedundantInputs(t *testing.T) {
	actions := []types.RecordedAction{
		input(0, "#q", "go"),
		input(500, "#q", "golang"),
		input(900, "#q", "rust"),
	}
	New(DefaultOptions(), nil).Analyze(actions)
	assert.False(t, actions[0].IsUnnecessary(), "progressive typing")
	assert.Equal(t, ReasonRedundant, actions[1].FlagReason())
	assert.False(t, actions[2].IsUnnecessary())
}

func TestRedundantClickFlagsRepeat(t *testing.T) {
	actions := []types.RecordedAction{
		click(0, "#add", "Add", withRequest),
		click(300, "#add", "Add", withRequest),
	}
	New(DefaultOptions(), nil).Analyze(actions)
	assert.False(t, actions[0].IsUnnecessary())
	assert.Equal(t, ReasonRedundant, actions[1].FlagReason())
}

func TestNavigationBacktrack(t *testing.T) {
	actions := []types.RecordedAction{
		navigate(0, "https://x.test/list"),
		navigate(1000, "https://x.test/item/1"),
		navigate(2000, "https://x.test/list/"),
		navigate(20000, "https://x.test/item/2"),
		click(21000, "#back", "Back", nil),
	}
	New(DefaultOptions(), nil).Analyze(actions)
	assert.False(t, actions[0].IsUnnecessary())
	assert.Equal(t, ReasonBacktrack, actions[1].FlagReason())
	assert.Equal(t, ReasonBacktrack, actions[2].FlagReason())
	assert.Equal(t, ReasonBacktrack, actions[3].FlagReason())
	assert.Equal(t, ReasonBacktrack, actions[4].FlagReason())
}

func TestNonInteractive(t *testing.T) {
	cases := map[string]bool{
		`<div class="card">Text</div>`:                   true,
		`<span>label</span>`:                             true,
		`<a>anchor without href</a>`:                     true,
		`<a href="/x">x</a>`:                             false,
		`<div role="button">x</div>`:                     false,
		`<div class="btn-primary">x</div>`:               false,
		`<span tabindex="0">x</span>`:                    false,
		`<div onclick="go()">x</div>`:                    false,
		`<div class="wrap"><button>Save</button></div>`: false,
	}
	for html, want := range cases {
		assert.Equal(t, want, NonInteractive(&types.ElementTarget{OuterHTML: html}), html)
	}
	assert.False(t, NonInteractive(&types.ElementTarget{TagName: "BUTTON"}))
	assert.True(t, NonInteractive(&types.ElementTarget{TagName: "DIV"}))
}

func TestNonInteractiveTableAndOptionFragments(t *testing.T) {
	cases := []struct {
		tag, html string
		want      bool
	}{
		{"TD", `<td onclick="sort('name')">Name</td>`, false},
		{"TD", `<td><span>plain</span></td>`, true},
		{"TR", `<tr class="clickable"><td>Row</td></tr>`, false},
		{"TH", `<th tabindex="0">Date</th>`, false},
		{"OPTION", `<option value="blue">Blue</option>`, false},
		// the tag name is taken from the markup when the capture left it empty
		{"", `<td role="button">x</td>`, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NonInteractive(&types.ElementTarget{TagName: c.tag, OuterHTML: c.html}), c.html)
	}
}

func TestCleanupRemovesAndRelinks(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "1.png")
	require.NoError(t, os.WriteFile(snap, []byte("png"), 0o644))

	actions := []types.RecordedAction{
		navigate(0, "https://x.test"),
		click(1000, "#a", "Menu", nil),
		click(1200, "#b", "Open", withRequest),
		input(3000, "#c", "v"),
	}
	actions[1].SnapshotPath = snap
	enrichment := []types.EnrichmentVariable{
		{ActionIndex: 1, Name: "dropped"},
		{ActionIndex: 3, Name: "value"},
	}

	New(DefaultOptions(), nil).Analyze(actions)
	require.True(t, actions[1].IsUnnecessary())

	var removedPaths []string
	var mu sync.Mutex
	c := NewCleaner(func(p string) error {
		mu.Lock()
		removedPaths = append(removedPaths, p)
		mu.Unlock()
		return os.Remove(p)
	}, nil)

	res, err := c.Cleanup(context.Background(), actions, enrichment)
	require.NoError(t, err)
	require.Len(t, res.Actions, 3)
	assert.Equal(t, []string{snap}, removedPaths)
	_, err = os.Stat(snap)
	assert.True(t, os.IsNotExist(err))

	assert.Nil(t, res.Actions[0].PreviousAction)
	assert.Equal(t, 1, res.Actions[0].NextAction.ID)
	assert.Equal(t, types.ActionClick, res.Actions[0].NextAction.Type)
	assert.Nil(t, res.Actions[2].NextAction)

	require.Len(t, res.Enrichment, 1)
	assert.Equal(t, types.EnrichmentVariable{ActionIndex: 2, Name: "value"}, res.Enrichment[0])
	assert.Len(t, actions, 4, "input slice untouched")
}

func TestCleanupSnapshotFailureIsNotFatal(t *testing.T) {
	actions := []types.RecordedAction{click(0, "#a", "", nil), click(100, "#b", "", withRequest)}
	actions[0].SnapshotPath = "/nonexistent/x.png"
	New(DefaultOptions(), nil).Analyze(actions)

	c := NewCleaner(func(string) error { return errors.New("permission denied") }, nil)
	res, err := c.Cleanup(context.Background(), actions, nil)
	require.NoError(t, err)
	assert.Len(t, res.Actions, 1)
}

func TestValidateDetectsBrokenLinks(t *testing.T) {
	actions := []types.RecordedAction{navigate(0, "a"), navigate(1, "b")}
	Relink(actions)
	require.NoError(t, Validate(actions, 2, 0))

	actions[1].PreviousAction.ID = 5
	assert.ErrorIs(t, Validate(actions, 2, 0), ErrInconsistent)
	assert.ErrorIs(t, Validate(actions, 3, 0), ErrInconsistent)
}

func TestCleanupCountAndBacklinksProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		actions := make([]types.RecordedAction, n)
		flagged := 0
		for i := range actions {
			actions[i] = click(int64(i*10), "#x", "", nil)
			// stale links that cleanup must overwrite
			actions[i].PreviousAction = &types.ActionLink{ID: 99}
			if rapid.Bool().Draw(t, "flag") {
				actions[i].Flag("test", "")
				flagged++
			}
		}

		res, err := NewCleaner(nil, nil).Cleanup(context.Background(), actions, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Actions) != n-flagged {
			t.Fatalf("got %d actions, want %d", len(res.Actions), n-flagged)
		}
		for i, a := range res.Actions {
			if i == 0 && a.PreviousAction != nil {
				t.Fatalf("first action has previous link")
			}
			if i > 0 && a.PreviousAction.ID != i-1 {
				t.Fatalf("action %d previous = %d", i, a.PreviousAction.ID)
			}
			if i == len(res.Actions)-1 && a.NextAction != nil {
				t.Fatalf("last action has next link")
			}
			if i < len(res.Actions)-1 && a.NextAction.ID != i+1 {
				t.Fatalf("action %d next = %d", i, a.NextAction.ID)
			}
		}
	})
}
