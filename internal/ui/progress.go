package ui

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const progressTick = 100 * time.Millisecond

type progressTickMsg time.Time

type progressDoneMsg struct{ err error }

// progressModel fills a bar over an expected duration while work runs.
// The bar stops short of full until the work reports back.
type progressModel struct {
	label    string
	bar      progress.Model
	start    time.Time
	expected time.Duration
	now      time.Time
	work     func() error

	done        bool
	interrupted bool
	err         error
}

func newProgressModel(label string, expected time.Duration, work func() error) progressModel {
	barWidth := GetTerminalWidth() - 30
	if barWidth > 50 {
		barWidth = 50
	}
	start := time.Now()
	return progressModel{
		label:    label,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
		start:    start,
		now:      start,
		expected: expected,
		work:     work,
	}
}

func progressTickCmd() tea.Cmd {
	return tea.Tick(progressTick, func(t time.Time) tea.Msg { return progressTickMsg(t) })
}

// Init implements tea.Model
func (m progressModel) Init() tea.Cmd {
	work := m.work
	return tea.Batch(progressTickCmd(), func() tea.Msg {
		return progressDoneMsg{err: work()}
	})
}

// Update implements tea.Model
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressTickMsg:
		if m.done {
			return m, nil
		}
		m.now = time.Time(msg)
		return m, progressTickCmd()
	case progressDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			m.interrupted = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) percent() float64 {
	if m.done {
		return 1
	}
	if m.expected <= 0 {
		return 0
	}
	p := float64(m.now.Sub(m.start)) / float64(m.expected)
	if p > 0.99 {
		p = 0.99
	}
	return p
}

// View implements tea.Model
func (m progressModel) View() string {
	if m.done || m.interrupted {
		return ""
	}
	remaining := m.expected - m.now.Sub(m.start)
	if remaining < 0 {
		remaining = 0
	}
	return lipgloss.NewStyle().PaddingLeft(2).Render(fmt.Sprintf("%s\n\n%s  %s",
		HeaderTitleStyle.UnsetPaddingLeft().Render(m.label),
		m.bar.ViewAs(m.percent()),
		HintStyle.Render(remaining.Round(time.Second).String()),
	)) + "\n"
}

// RunWithProgress runs work while showing a progress bar that fills over
// expected. Without a terminal it simply runs work. Pressing q or Ctrl+C
// cancels the context given to work.
func RunWithProgress(ctx context.Context, label string, expected time.Duration, work func(context.Context) error) error {
	if !IsTerminal() {
		return work(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newProgressModel(label, expected, func() error { return work(ctx) })
	final, err := tea.NewProgram(model, tea.WithOutput(os.Stdout), tea.WithContext(ctx)).Run()
	if err != nil {
		return err
	}
	m := final.(progressModel)
	if m.interrupted {
		return context.Canceled
	}
	return m.err
}
