package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	syncdto "flowsync/internal/modules/sync/dto"
	"flowsync/internal/ui/components"
	"flowsync/internal/ui/theme"
	roomview "flowsync/internal/ui/views/room"
)

// RoomPort is everything the terminal UI needs from a room.
type RoomPort interface {
	Put(ctx context.Context, key, raw string) (syncdto.PutOutput, error)
	Delete(ctx context.Context, key string) (syncdto.DeleteOutput, error)
	Status(ctx context.Context) (syncdto.StatusOutput, error)
	Rooms(ctx context.Context) (syncdto.RoomsOutput, error)
	Watch(ctx context.Context) (<-chan syncdto.RoomView, error)
}

type putDoneMsg struct {
	out syncdto.PutOutput
	err error
}

type statusLoadedMsg struct {
	out syncdto.StatusOutput
	err error
}

type roomsLoadedMsg struct {
	out syncdto.RoomsOutput
	err error
}

type keyMap struct {
	Help    key.Binding
	Palette key.Binding
	Delete  key.Binding
	Filter  key.Binding
	Quit    key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Palette: key.NewBinding(key.WithKeys(":"), key.WithHelp(":", "command")),
		Delete:  key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete entry")),
		Filter:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
		Quit:    key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.Palette, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Palette, k.Delete, k.Filter},
		{k.Help, k.Quit},
	}
}

// Model is the root Bubble Tea model. It owns the help overlay, the command
// palette and the status bar, and delegates the room itself to the room view.
type Model struct {
	ctx      context.Context
	port     RoomPort
	user     string
	roomView roomview.Model
	keys     keyMap
	help     help.Model
	showHelp bool
	palette  components.Palette
	status   string
	width    int
	height   int
}

func NewModel(ctx context.Context, user string, port RoomPort) Model {
	return Model{
		ctx:      ctx,
		port:     port,
		user:     user,
		roomView: roomview.New(ctx, port),
		keys:     defaultKeys(),
		help:     help.New(),
		palette:  components.NewPalette(),
		status:   "ready",
	}
}

func (m Model) Init() tea.Cmd {
	return m.roomView.Init()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	if m.palette.Visible() {
		var cmd tea.Cmd
		m.palette, cmd = m.palette.Update(msg)
		if _, ok := msg.(tea.KeyMsg); ok {
			return m, cmd
		}
		cmds = append(cmds, cmd)
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.palette.SetWidth(min(m.width-4, 80))
		m.help.Width = m.width
		var cmd tea.Cmd
		m.roomView, cmd = m.roomView.Update(tea.WindowSizeMsg{Width: m.width, Height: m.height - 3})
		return m, cmd

	case putDoneMsg:
		if msg.err != nil {
			m.status = "put failed: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("put %s (%s)", msg.out.Key, msg.out.Status.Status)
		}
		return m, nil

	case statusLoadedMsg:
		if msg.err != nil {
			m.status = "status: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("%s: %s, %d pending", msg.out.RoomID, msg.out.Status, msg.out.PendingCount)
		}
		return m, nil

	case roomsLoadedMsg:
		if msg.err != nil {
			m.status = "rooms: " + msg.err.Error()
		} else if len(msg.out.Rooms) == 0 {
			m.status = "no saved rooms"
		} else {
			m.status = "rooms: " + strings.Join(msg.out.Rooms, ", ")
		}
		return m, nil

	case components.PaletteSubmitMsg:
		return m.executePalette(msg.Input)

	case components.PaletteCancelMsg:
		m.status = "ready"
		return m, nil

	case tea.KeyMsg:
		if m.showHelp {
			if msg.String() == "?" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}
		if m.roomView.Filtering() {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "?":
			m.showHelp = true
			return m, nil
		case ":":
			return m, m.palette.Open()
		}
	}

	var cmd tea.Cmd
	m.roomView, cmd = m.roomView.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	header := m.renderHeader()
	statusBar := m.renderStatusBar()
	contentH := max(m.height-lipgloss.Height(header)-lipgloss.Height(statusBar), 1)

	var content string
	switch {
	case m.showHelp:
		content = lipgloss.NewStyle().Width(m.width).Height(contentH).Render(m.help.View(m.keys))
	case m.palette.Visible():
		content = lipgloss.Place(m.width, contentH, lipgloss.Center, lipgloss.Center, m.palette.View())
	default:
		content = m.roomView.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
}

func (m Model) renderHeader() string {
	user := m.user
	if user == "" {
		user = "anonymous"
	}
	status := m.roomView.Status()
	bar := "flowsync  " + theme.Muted.Render(user) + theme.Muted.Render(" │ ") + theme.Status(status.Status)
	return lipgloss.NewStyle().Background(theme.Mantle).Width(m.width).Render(bar) + "\n"
}

func (m Model) renderStatusBar() string {
	left := m.status
	right := theme.Muted.Render("?:help  ::command  d:delete  q:quit")
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	bar := left + strings.Repeat(" ", gap) + right
	return "\n" + lipgloss.NewStyle().Background(theme.Mantle).Width(m.width).Render(bar)
}

func (m Model) executePalette(input string) (tea.Model, tea.Cmd) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(input), " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "":
		return m, nil
	case "put":
		name, value, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(name) == "" {
			m.status = "usage: put <key> <json>"
			return m, nil
		}
		return m, m.putCmd(name, strings.TrimSpace(value))
	case "del":
		if rest == "" {
			m.status = "usage: del <key>"
			return m, nil
		}
		return m, m.deleteCmd(rest)
	case "status":
		return m, m.statusCmd()
	case "rooms":
		return m, m.roomsCmd()
	default:
		m.status = "unknown command: " + verb
	}
	return m, nil
}

func (m Model) putCmd(name, raw string) tea.Cmd {
	return func() tea.Msg {
		out, err := m.port.Put(m.ctx, name, raw)
		return putDoneMsg{out: out, err: err}
	}
}

func (m Model) deleteCmd(name string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.port.Delete(m.ctx, name)
		return roomview.DeletedMsg{Key: name, Err: err}
	}
}

func (m Model) statusCmd() tea.Cmd {
	return func() tea.Msg {
		out, err := m.port.Status(m.ctx)
		return statusLoadedMsg{out: out, err: err}
	}
}

func (m Model) roomsCmd() tea.Cmd {
	return func() tea.Msg {
		out, err := m.port.Rooms(m.ctx)
		return roomsLoadedMsg{out: out, err: err}
	}
}
