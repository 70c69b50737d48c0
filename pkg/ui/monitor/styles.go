package monitor

import (
	"tgbridge/pkg/bus"

	"github.com/charmbracelet/lipgloss"
)

// theme groups reusable styles for monitor regions.
type theme struct {
	header       lipgloss.Style
	headerMeta   lipgloss.Style
	divider      lipgloss.Style
	forwarded    lipgloss.Style
	failed       lipgloss.Style
	skipped      lipgloss.Style
	neutral      lipgloss.Style
	control      lipgloss.Style
	status       lipgloss.Style
	statusBusy   lipgloss.Style
	statusPaused lipgloss.Style
	statusErr    lipgloss.Style
	hint         lipgloss.Style
	viewport     lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		forwarded: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("114")),
		failed: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("203")),
		skipped: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		neutral: lipgloss.NewStyle().
			Foreground(lipgloss.Color("44")),
		control: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusPaused: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("130")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}

func (t theme) labelFor(eventType bus.EventType) lipgloss.Style {
	switch eventType {
	case bus.EventMessageForwarded:
		return t.forwarded
	case bus.EventMessageForwardFailed, bus.EventMessageDropped:
		return t.failed
	case bus.EventMessageFiltered, bus.EventMessageDuplicate:
		return t.skipped
	case bus.EventRelayPaused, bus.EventRelayResumed:
		return t.control
	default:
		return t.neutral
	}
}
