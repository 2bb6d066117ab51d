package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	syncdto "flowsync/internal/modules/sync/dto"
	"flowsync/internal/ui/theme"
)

type RoomPort interface {
	Watch(ctx context.Context) (<-chan syncdto.RoomView, error)
	Delete(ctx context.Context, key string) (syncdto.DeleteOutput, error)
}

// ViewMsg carries the latest room view from the watch stream.
type ViewMsg struct {
	View syncdto.RoomView
	Err  error
}

type watchStartedMsg struct {
	views <-chan syncdto.RoomView
	err   error
}

type watchClosedMsg struct{}

type DeletedMsg struct {
	Key string
	Err error
}

type entryItem struct{ e syncdto.Entry }

func (i entryItem) Title() string       { return i.e.Key }
func (i entryItem) Description() string { return preview(i.e.Value, 48) }
func (i entryItem) FilterValue() string { return i.e.Key }

type Model struct {
	port       RoomPort
	ctx        context.Context
	views      <-chan syncdto.RoomView
	list       list.Model
	detail     viewport.Model
	spinner    spinner.Model
	view       syncdto.RoomView
	loading    bool
	statusLine string
	width      int
	height     int
}

// New builds the room view. ctx bounds the watch stream.
func New(ctx context.Context, port RoomPort) Model {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(theme.Peach).BorderForeground(theme.Peach)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(theme.Sapphire).BorderForeground(theme.Peach)

	l := list.New(nil, delegate, 0, 0)
	l.Title = "Entries"
	l.Styles.Title = theme.Title
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().Background(theme.Mantle).Foreground(theme.Text).Padding(1)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Peach)

	return Model{port: port, ctx: ctx, list: l, detail: vp, spinner: sp, loading: true}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.startWatchCmd(), m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case watchStartedMsg:
		if msg.err != nil {
			m.loading = false
			m.statusLine = "watch failed: " + msg.err.Error()
			return m, nil
		}
		m.views = msg.views
		cmds = append(cmds, waitForView(m.views))

	case ViewMsg:
		m.loading = false
		m.view = msg.View
		cmds = append(cmds, m.list.SetItems(entriesToItems(m.view.Entries)), waitForView(m.views))
		m.detail.SetContent(m.renderDetail())

	case watchClosedMsg:
		m.statusLine = "watch stopped"
		m.detail.SetContent(m.renderDetail())

	case DeletedMsg:
		if msg.Err != nil {
			m.statusLine = "delete failed: " + msg.Err.Error()
		} else {
			m.statusLine = "deleted " + msg.Key
		}
		m.detail.SetContent(m.renderDetail())

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.KeyMsg:
		if msg.String() == "d" && !m.Filtering() {
			if item, ok := m.list.SelectedItem().(entryItem); ok {
				cmds = append(cmds, m.deleteCmd(item.e.Key))
			}
			return m, tea.Batch(cmds...)
		}
	}

	if !m.loading {
		var lCmd tea.Cmd
		m.list, lCmd = m.list.Update(msg)
		cmds = append(cmds, lCmd)
		m.detail.SetContent(m.renderDetail())

		var vCmd tea.Cmd
		m.detail, vCmd = m.detail.Update(msg)
		cmds = append(cmds, vCmd)
	}
	return m, tea.Batch(cmds...)
}

// Filtering reports whether the list's search filter is currently active.
func (m Model) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// SetStatusLine shows a one-line notice under the room summary.
func (m *Model) SetStatusLine(line string) {
	m.statusLine = line
	m.detail.SetContent(m.renderDetail())
}

func (m Model) Status() syncdto.StatusOutput { return m.view.Status }

func (m Model) View() string {
	if m.loading {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			m.spinner.View()+" Waiting for room state…")
	}
	listW := m.width * 4 / 10
	detailW := m.width - listW
	listPane := lipgloss.NewStyle().Width(listW).Height(m.height).Render(m.list.View())
	detailPane := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.Surface1).
		Background(theme.Mantle).
		Width(max(detailW-2, 1)).
		Height(max(m.height-2, 1)).
		Render(m.detail.View())
	return lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)
}

func (m *Model) resize() {
	listW := m.width * 4 / 10
	detailW := m.width - listW
	contentH := max(m.height-1, 1)
	m.list.SetSize(listW, contentH)
	m.detail.Width = max(detailW-4, 1)
	m.detail.Height = max(contentH-2, 1)
}

func (m Model) renderDetail() string {
	s := m.view.Status
	var sb strings.Builder
	sb.WriteString(theme.Title.Render("Room "+m.view.RoomID) + "\n\n")
	sb.WriteString("status:   " + theme.Status(s.Status) + "\n")
	sb.WriteString(fmt.Sprintf("pending:  %d\n", s.PendingCount))
	sb.WriteString(fmt.Sprintf("entries:  %d\n", len(m.view.Entries)))
	if s.SessionID != "" {
		sb.WriteString("session:  " + theme.Muted.Render(s.SessionID) + "\n")
	}
	if item, ok := m.list.SelectedItem().(entryItem); ok {
		sb.WriteString("\n" + theme.Hot.Render(item.e.Key) + "\n")
		sb.WriteString(pretty(item.e.Value) + "\n")
	}
	if m.statusLine != "" {
		sb.WriteString("\n" + theme.Hot.Render(m.statusLine) + "\n")
	}
	return sb.String()
}

func (m Model) startWatchCmd() tea.Cmd {
	return func() tea.Msg {
		if m.port == nil {
			return watchStartedMsg{err: fmt.Errorf("no room attached")}
		}
		views, err := m.port.Watch(m.ctx)
		return watchStartedMsg{views: views, err: err}
	}
}

func waitForView(views <-chan syncdto.RoomView) tea.Cmd {
	return func() tea.Msg {
		view, ok := <-views
		if !ok {
			return watchClosedMsg{}
		}
		return ViewMsg{View: view}
	}
}

func (m Model) deleteCmd(key string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.port.Delete(m.ctx, key)
		return DeletedMsg{Key: key, Err: err}
	}
}

func entriesToItems(entries []syncdto.Entry) []list.Item {
	items := make([]list.Item, len(entries))
	for i, e := range entries {
		items[i] = entryItem{e: e}
	}
	return items
}

func pretty(raw json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func preview(raw json.RawMessage, limit int) string {
	text := strings.Join(strings.Fields(string(raw)), " ")
	if len(text) > limit {
		return text[:limit-1] + "…"
	}
	return text
}
