package monitor

import (
	"fmt"
	"strings"
	"time"

	"tgbridge/pkg/bus"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxEvents bounds the event log kept for the viewport.
const maxEvents = 500

type eventMsg bus.Event

type streamClosedMsg struct{}

type model struct {
	events <-chan bus.Event
	info   Info

	theme     theme
	spinner   spinner.Model
	viewport  viewport.Model
	log       []bus.Event
	counts    map[bus.EventType]int
	width     int
	height    int
	isReady   bool
	followLog bool
	paused    bool
	closed    bool
	lastErr   string
}

func newModel(events <-chan bus.Event, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &model{
		events:    events,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		viewport:  viewport.New(80, 12),
		counts:    make(map[bus.EventType]int),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport()
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		}
		m.handleViewportKey(typed)
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case spinner.TickMsg:
		if m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case eventMsg:
		m.record(bus.Event(typed))
		m.refreshViewport()
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.closed = true
		return m, nil
	}

	return m, nil
}

// record applies one event to the counters and the bounded log.
func (m *model) record(event bus.Event) {
	m.counts[event.Type]++

	switch event.Type {
	case bus.EventRelayPaused:
		m.paused = true
	case bus.EventRelayResumed:
		m.paused = false
	case bus.EventMessageForwardFailed:
		m.lastErr = event.Error
	case bus.EventMessageForwarded:
		m.lastErr = ""
	}

	m.log = append(m.log, event)
	if overflow := len(m.log) - maxEvents; overflow > 0 {
		m.log = append(m.log[:0], m.log[overflow:]...)
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport()
	}

	header := m.theme.header.Width(m.width - 2).Render("📡 tgbridge relay monitor")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"channel:%s · recipient:%s · status:%s",
		displayOrNA(m.info.Channel),
		displayOrNA(m.info.Recipient),
		displayOrNA(m.info.Address),
	))
	counters := m.theme.headerMeta.Render(fmt.Sprintf(
		"received:%d · forwarded:%d · failed:%d · filtered:%d · duplicate:%d · dropped:%d",
		m.counts[bus.EventMessageReceived],
		m.counts[bus.EventMessageForwarded],
		m.counts[bus.EventMessageForwardFailed],
		m.counts[bus.EventMessageFiltered],
		m.counts[bus.EventMessageDuplicate],
		m.counts[bus.EventMessageDropped],
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.statusBusy.Render(fmt.Sprintf("%s relaying  ·  PgUp/PgDn scroll  ·  End jump latest  ·  Ctrl+C/Esc quit", m.spinner.View()))
	switch {
	case m.closed:
		status = m.theme.status.Render("relay stopped  ·  Ctrl+C/Esc quit")
	case m.paused:
		status = m.theme.statusPaused.Render("⏸ relay paused by operator  ·  send /start to resume")
	case m.lastErr != "":
		status = m.theme.statusErr.Render("🚨 last forward failed: " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		counters,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
	)
}

func (m *model) resizeComponents() {
	m.viewport.Width = max(50, m.width-6)
	m.viewport.Height = max(8, m.height-9)
}

func (m *model) refreshViewport() {
	previousOffset := m.viewport.YOffset

	lines := make([]string, 0, len(m.log))
	for _, event := range m.log {
		lines = append(lines, m.renderEvent(event))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))

	if m.followLog {
		m.viewport.GotoBottom()
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderEvent(event bus.Event) string {
	stamp := m.theme.hint.Render(event.At.Local().Format(time.TimeOnly))
	label := m.theme.labelFor(event.Type).Render(fmt.Sprintf("%-15s", eventLabel(event.Type)))

	var detail []string
	if event.MessageID != "" {
		detail = append(detail, event.MessageID)
	}
	if event.Kind != "" {
		detail = append(detail, event.Kind)
	}
	if event.Reason != "" {
		detail = append(detail, "reason="+event.Reason)
	}
	if id := event.Payload["provider_message_id"]; id != "" {
		detail = append(detail, "id="+id)
	}
	if event.Payload["degraded"] == "true" {
		detail = append(detail, "degraded")
	}
	if sender := event.Payload["sender_id"]; sender != "" {
		detail = append(detail, "by="+sender)
	}
	if event.Error != "" {
		detail = append(detail, m.theme.statusErr.Render(event.Error))
	} else if event.Preview != "" && event.Type == bus.EventMessageReceived {
		detail = append(detail, m.theme.hint.Render(truncate(event.Preview, 60)))
	}

	return stamp + " " + label + " " + strings.Join(detail, " ")
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "up", "k":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "down", "j":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(event)
	}
}

func eventLabel(eventType bus.EventType) string {
	return strings.TrimPrefix(strings.TrimPrefix(string(eventType), "message_"), "relay_")
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func truncate(text string, limit int) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= limit {
		return string(runes)
	}

	return string(runes[:limit]) + "…"
}
