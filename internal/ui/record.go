package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/types"
	"github.com/lance13c/browzer/internal/workflow"
)

const visibleActions = 12

type recordKeys struct {
	Stop    key.Binding
	Discard key.Binding
	Confirm key.Binding
	Back    key.Binding
}

func (k recordKeys) ShortHelp() []key.Binding { return []key.Binding{k.Stop, k.Discard} }

func (k recordKeys) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var defaultRecordKeys = recordKeys{
	Stop:    key.NewBinding(key.WithKeys("s", "enter"), key.WithHelp("s", "stop & save")),
	Discard: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "discard")),
	Confirm: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "save")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "keep recording")),
}

// RecordResult is what the user decided when the record view closed
type RecordResult struct {
	Save bool
	Name string
}

// RecordModel shows a live recording session
type RecordModel struct {
	feed     *Feed
	styles   *Styles
	keys     recordKeys
	help     help.Model
	spinner  spinner.Model
	name     textinput.Model
	url      string
	tab      string
	actions  []types.RecordedAction
	naming   bool
	stopped  bool
	started  time.Time
	width    int
	result   RecordResult
	now      func() time.Time
}

// NewRecordModel creates the record view for a session started at startURL
func NewRecordModel(feed *Feed, startURL, suggestedName string) *RecordModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))

	ti := textinput.New()
	ti.Placeholder = "Workflow name"
	ti.CharLimit = 120
	ti.Width = 50
	ti.SetValue(suggestedName)

	return &RecordModel{
		feed:    feed,
		styles:  NewStyles(),
		keys:    defaultRecordKeys,
		help:    help.New(),
		spinner: s,
		name:    ti,
		url:     startURL,
		started: time.Now(),
		now:     time.Now,
	}
}

// Result returns the user's decision
func (m *RecordModel) Result() RecordResult {
	return m.result
}

// Actions returns the actions seen so far
func (m *RecordModel) Actions() []types.RecordedAction {
	return m.actions
}

// Init implements tea.Model
func (m *RecordModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.feed.Next)
}

// Update implements tea.Model
func (m *RecordModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.result = RecordResult{}
			return m, tea.Quit
		}
		if m.naming {
			switch {
			case key.Matches(msg, m.keys.Confirm):
				m.result = RecordResult{Save: true, Name: strings.TrimSpace(m.name.Value())}
				return m, tea.Quit
			case key.Matches(msg, m.keys.Back):
				m.naming = false
				m.name.Blur()
				return m, nil
			}
			var cmd tea.Cmd
			m.name, cmd = m.name.Update(msg)
			return m, cmd
		}
		switch {
		case key.Matches(msg, m.keys.Stop):
			m.naming = true
			return m, m.name.Focus()
		case key.Matches(msg, m.keys.Discard):
			m.result = RecordResult{}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case EventMsg:
		m.handleEvent(events.Event(msg))
		if m.stopped {
			return m, nil
		}
		return m, m.feed.Next

	case FeedClosedMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *RecordModel) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.SessionStarted:
		if d, ok := ev.Data.(map[string]string); ok {
			if m.url == "" {
				m.url = d["url"]
			}
			m.tab = d["tab"]
		}
	case events.ActionCaptured:
		if a, ok := ev.Data.(types.RecordedAction); ok {
			m.actions = append(m.actions, a)
			if a.Type == types.ActionNavigate && a.URL != "" {
				m.url = a.URL
			}
		}
	case events.TargetSwitched:
		if d, ok := ev.Data.(map[string]string); ok {
			m.tab = d["to"]
		}
	case events.SessionStopped:
		m.stopped = true
	}
}

// View implements tea.Model
func (m *RecordModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Header.Render("● browzer recording"))
	b.WriteString("\n")

	elapsed := m.now().Sub(m.started).Truncate(time.Second)
	status := fmt.Sprintf("%s %d actions · %s", m.spinner.View(), len(m.actions), elapsed)
	if m.stopped {
		status = fmt.Sprintf("stopped · %d actions", len(m.actions))
	}
	b.WriteString(m.styles.Status.Render(status))
	if m.url != "" {
		b.WriteString("  " + m.styles.Muted.Render(m.url))
	}
	b.WriteString("\n\n")

	start := 0
	if len(m.actions) > visibleActions {
		start = len(m.actions) - visibleActions
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  … %d earlier", start)) + "\n")
	}
	for _, a := range m.actions[start:] {
		b.WriteString(m.renderAction(a))
		b.WriteString("\n")
	}

	if m.naming {
		b.WriteString("\nSave as: " + m.name.View() + "\n")
		b.WriteString(m.styles.Footer.Render(m.help.ShortHelpView([]key.Binding{m.keys.Confirm, m.keys.Back})))
		return b.String()
	}
	b.WriteString(m.styles.Footer.Render(m.help.View(m.keys)))
	return b.String()
}

func (m *RecordModel) renderAction(a types.RecordedAction) string {
	line := fmt.Sprintf("  %3d %s %s", a.Seq, m.styles.ActionType.Render(string(a.Type)), ActionLabel(a))
	if a.Effects != nil && a.Effects.Summary != "" && a.Type == types.ActionClick {
		line += "  " + m.styles.Effect.Render(a.Effects.Summary)
	}
	return line
}

// ActionLabel is a short human description of what an action touched
func ActionLabel(a types.RecordedAction) string {
	if a.Type == types.ActionNavigate {
		return a.URL
	}
	if a.Target == nil {
		return ""
	}
	label := workflow.Describe(a.Target).Name
	if label == "" {
		label = a.Target.Selector
	}
	if label == "" {
		label = strings.ToLower(a.Target.TagName)
	}
	if v := a.StringValue(); v != "" && a.Type != types.ActionClick && a.Type != types.ActionSubmit {
		if a.Target.Attr("type") == "password" {
			v = "••••"
		}
		label += " = " + truncate(v, 40)
	}
	return label
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
