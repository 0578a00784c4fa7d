package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/netaudio/internal/events"
	"github.com/muurk/netaudio/internal/registry"
)

const (
	watchRefresh    = time.Second
	watchEventLines = 6
	watchFeedSize   = 64
)

// DeviceSource supplies the rows of the watch table.
type DeviceSource interface {
	ListDeviceDescriptions() []registry.DeviceRecord
}

type watchKeyMap struct {
	Up   key.Binding
	Down key.Binding
	Quit key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k watchKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k watchKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Quit}}
}

var watchKeys = watchKeyMap{
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Quit: key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
}

type eventMsg struct{ ev events.Event }

type feedClosedMsg struct{}

type refreshMsg time.Time

// WatchModel shows the live device table and the most recent bus events.
type WatchModel struct {
	source DeviceSource
	feed   <-chan events.Event
	table  table.Model
	help   help.Model
	recent []string
	count  int
	width  int
	now    func() time.Time
}

// NewWatchModel builds the model. feed delivers bus events; closing it ends
// the program.
func NewWatchModel(source DeviceSource, feed <-chan events.Event) WatchModel {
	width, height := GetTerminalSize()
	t := table.New(
		table.WithColumns(deviceTableColumns(width)),
		table.WithFocused(true),
		table.WithHeight(tableHeight(height)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(PrimaryColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(TextColor).
		Background(PrimaryColor)
	t.SetStyles(styles)

	m := WatchModel{
		source: source,
		feed:   feed,
		table:  t,
		help:   help.New(),
		width:  width,
		now:    time.Now,
	}
	m.refresh()
	return m
}

func tableHeight(termHeight int) int {
	h := termHeight - watchEventLines - 8
	if h < 3 {
		h = 3
	}
	return h
}

// deviceTableColumns splits width across DeviceColumns, giving the spare
// room to the name and model columns.
func deviceTableColumns(width int) []table.Column {
	widths := []int{16, 14, 21, 4, 4, 16, 10}
	used := 0
	for _, w := range widths {
		used += w + 2
	}
	if spare := width - used; spare > 0 {
		widths[0] += spare / 2
		widths[5] += spare - spare/2
	}
	cols := make([]table.Column, len(DeviceColumns))
	for i, title := range DeviceColumns {
		cols[i] = table.Column{Title: title, Width: widths[i]}
	}
	return cols
}

func (m *WatchModel) refresh() {
	devices := m.source.ListDeviceDescriptions()
	m.count = len(devices)
	rows := DeviceRows(devices, m.now())
	tr := make([]table.Row, len(rows))
	for i, r := range rows {
		tr[i] = table.Row(r)
	}
	m.table.SetRows(tr)
}

func (m WatchModel) waitForEvent() tea.Cmd {
	feed := m.feed
	return func() tea.Msg {
		ev, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func refreshCmd() tea.Cmd {
	return tea.Tick(watchRefresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Init implements tea.Model
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), refreshCmd())
}

// Update implements tea.Model
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, watchKeys.Quit) {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetColumns(deviceTableColumns(msg.Width))
		m.table.SetHeight(tableHeight(msg.Height))
		m.help.Width = msg.Width
		return m, nil
	case eventMsg:
		m.recent = append(m.recent, describeEvent(msg.ev, m.now()))
		if len(m.recent) > watchEventLines {
			m.recent = m.recent[len(m.recent)-watchEventLines:]
		}
		m.refresh()
		return m, m.waitForEvent()
	case feedClosedMsg:
		return m, tea.Quit
	case refreshMsg:
		m.refresh()
		return m, refreshCmd()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(HeaderTitleStyle.Render(fmt.Sprintf("NETAUDIO DEVICES (%d)", m.count)))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")
	if len(m.recent) == 0 {
		b.WriteString(EventLineStyle.Render("  waiting for events..."))
		b.WriteString("\n")
	}
	for _, line := range m.recent {
		b.WriteString(EventLineStyle.Render("  " + line))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(watchKeys))
	return b.String()
}

// describeEvent renders one bus event as a log line.
func describeEvent(ev events.Event, now time.Time) string {
	stamp := now.Format("15:04:05")
	switch e := ev.(type) {
	case events.DeviceAddedEvent:
		return fmt.Sprintf("%s  + %s at %s", stamp, e.Identity, e.Address)
	case events.DeviceUpdatedEvent:
		return fmt.Sprintf("%s  ~ %s updated", stamp, e.Identity)
	case events.DeviceLostEvent:
		return fmt.Sprintf("%s  - %s lost (%s)", stamp, e.Identity, e.Reason)
	case events.SubscriptionChangedEvent:
		line := fmt.Sprintf("%s  %d@%s %s", stamp, e.RxChannel, e.Receiver, StateStyle(e.State).Render(e.State))
		if e.Transmitter != "" {
			line += fmt.Sprintf(" <- %s@%s", e.TxChannel, e.Transmitter)
		}
		if e.Reason != "" {
			line += " (" + e.Reason + ")"
		}
		return line
	case events.NotificationEvent:
		return fmt.Sprintf("%s  ! %s %s", stamp, e.Identity, e.Change)
	default:
		return fmt.Sprintf("%s  %s", stamp, events.Name(ev))
	}
}

// RunWatch runs the watch table until the user quits or ctx is done.
func RunWatch(ctx context.Context, source DeviceSource, bus *events.Bus) error {
	feed := make(chan events.Event, watchFeedSize)
	unsub := bus.SubscribeAll(func(ev events.Event) {
		select {
		case feed <- ev:
		default:
		}
	})
	defer unsub()

	p := tea.NewProgram(NewWatchModel(source, feed),
		tea.WithAltScreen(),
		tea.WithOutput(os.Stdout),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
