package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/replay"
)

type stepRow struct {
	index       int
	stepType    string
	description string
	result      *replay.StepResult
}

// ReplayModel follows a workflow run on the event bus. It quits once the
// run completes; ctrl+c calls cancel and quits.
type ReplayModel struct {
	feed     *Feed
	cancel   func()
	styles   *Styles
	bar      progress.Model
	name     string
	total    int
	rows     []stepRow
	done     bool
	success  bool
	errMsg   string
	duration time.Duration
}

// NewReplayModel creates the replay view
func NewReplayModel(feed *Feed, name string, cancel func()) *ReplayModel {
	return &ReplayModel{
		feed:   feed,
		cancel: cancel,
		styles: NewStyles(),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		name:   name,
	}
}

// Init implements tea.Model
func (m *ReplayModel) Init() tea.Cmd {
	return m.feed.Next
}

// Update implements tea.Model
func (m *ReplayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			if !m.done && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if w := msg.Width - 10; w > 10 && w < 80 {
			m.bar.Width = w
		}
	case EventMsg:
		m.handleEvent(events.Event(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, m.feed.Next
	}
	return m, nil
}

func (m *ReplayModel) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.WorkflowStart:
		if d, ok := ev.Data.(map[string]interface{}); ok {
			m.total, _ = d["total_steps"].(int)
			if n, _ := d["name"].(string); n != "" {
				m.name = n
			}
		}
	case events.StepStart:
		if d, ok := ev.Data.(map[string]interface{}); ok {
			row := stepRow{}
			row.index, _ = d["index"].(int)
			row.description, _ = d["description"].(string)
			row.stepType = fmt.Sprint(d["type"])
			m.rows = append(m.rows, row)
		}
	case events.StepComplete:
		if sr, ok := ev.Data.(replay.StepResult); ok {
			for i := len(m.rows) - 1; i >= 0; i-- {
				if m.rows[i].index == sr.Index {
					m.rows[i].result = &sr
					break
				}
			}
		}
	case events.WorkflowComplete:
		m.done = true
		if d, ok := ev.Data.(map[string]interface{}); ok {
			m.success, _ = d["success"].(bool)
			m.errMsg, _ = d["error"].(string)
			if ms, ok := d["duration_ms"].(int64); ok {
				m.duration = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Percent is the share of steps finished
func (m *ReplayModel) Percent() float64 {
	if m.total == 0 {
		return 0
	}
	finished := 0
	for _, r := range m.rows {
		if r.result != nil {
			finished++
		}
	}
	return float64(finished) / float64(m.total)
}

// Succeeded reports whether the run completed successfully
func (m *ReplayModel) Succeeded() bool {
	return m.done && m.success
}

// View implements tea.Model
func (m *ReplayModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Header.Render("▶ " + m.name))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.Percent()))
	b.WriteString("\n\n")

	for _, r := range m.rows {
		mark := m.styles.Muted.Render("…")
		detail := ""
		if r.result != nil {
			switch {
			case r.result.Skipped:
				mark = m.styles.Skip.Render("↷")
				detail = "skipped"
			case r.result.Success:
				mark = m.styles.Pass.Render("✓")
				if r.result.Strategy != "" {
					detail = "via " + r.result.Strategy
				}
				if r.result.Attempts > 1 {
					detail += fmt.Sprintf(" after %d attempts", r.result.Attempts)
				}
			default:
				mark = m.styles.Fail.Render("✗")
				detail = r.result.Error
			}
		}
		desc := r.description
		if desc == "" {
			desc = r.stepType
		}
		b.WriteString(fmt.Sprintf("  %s %2d %s", mark, r.index+1, desc))
		if detail != "" {
			b.WriteString("  " + m.styles.Effect.Render(strings.TrimSpace(detail)))
		}
		b.WriteString("\n")
	}

	if m.done {
		if m.success {
			b.WriteString(m.styles.SuccessBox.Render(fmt.Sprintf("Completed in %s", m.duration)))
		} else {
			b.WriteString(m.styles.ErrorBox.Render(m.errMsg))
		}
		b.WriteString("\n")
	}
	return b.String()
}
