package cli

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"syncjob/internal/preflight"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type stepState int

const (
	stepPending stepState = iota
	stepRunning
	stepOK
	stepFailed
)

type progressStep struct {
	name    string
	title   string
	state   stepState
	message string
}

type progressEventMsg preflight.Event

type progressDoneMsg struct{}

type progressModel struct {
	spinner   spinner.Model
	steps     []progressStep
	done      bool
	cancelled bool
}

func newProgressModel() progressModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = mutedStyle
	steps := make([]progressStep, 0, len(preflight.Steps))
	for _, s := range preflight.Steps {
		steps = append(steps, progressStep{name: s.Name, title: s.Title})
	}
	return progressModel{spinner: sp, steps: steps}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressEventMsg:
		for i := range m.steps {
			if m.steps[i].name != msg.Step {
				continue
			}
			switch {
			case !msg.Done:
				m.steps[i].state = stepRunning
			case msg.Check.OK:
				m.steps[i].state = stepOK
			default:
				m.steps[i].state = stepFailed
			}
			m.steps[i].message = msg.Check.Message
		}
		return m, nil
	case progressDoneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	lines := []string{titleStyle.Render("syncjob preflight")}
	for _, s := range m.steps {
		var mark string
		switch s.state {
		case stepRunning:
			mark = m.spinner.View()
		case stepOK:
			mark = okStyle.Render("✓")
		case stepFailed:
			mark = errorStyle.Render("✗")
		default:
			mark = mutedStyle.Render("·")
		}
		line := mark + " " + s.title
		if s.message != "" && s.state != stepRunning {
			line += mutedStyle.Render("  " + s.message)
		}
		lines = append(lines, line)
	}
	if m.cancelled {
		lines = append(lines, warnStyle.Render("cancelled"))
	}
	return panelStyle.Render(strings.Join(lines, "\n")) + "\n"
}

// withProgress runs fn while rendering preflight events in a bubbletea
// program. Ctrl+C cancels the context handed to fn.
func withProgress[T any](ctx context.Context, out io.Writer, fn func(context.Context, preflight.Observer) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(), tea.WithOutput(out), tea.WithContext(ctx))
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(ctx, func(e preflight.Event) {
			p.Send(progressEventMsg(e))
		})
		done <- result{val, err}
		p.Send(progressDoneMsg{})
	}()

	final, runErr := p.Run()
	if fm, ok := final.(progressModel); ok && fm.cancelled {
		cancel()
	}
	res := <-done
	if res.err != nil {
		return res.val, res.err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return res.val, runErr
	}
	return res.val, nil
}
