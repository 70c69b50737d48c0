package monitor

import (
	"context"
	"errors"
	"fmt"

	"tgbridge/pkg/bus"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Info is the static context shown in the monitor header.
type Info struct {
	Channel   string
	Recipient string
	Address   string
}

// Run shows relay events until the user quits or ctx ends.
func Run(ctx context.Context, events <-chan bus.Event, info Info) error {
	program := tea.NewProgram(
		newModel(events, info),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	_, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("📡 tgbridge monitor closed")
}
