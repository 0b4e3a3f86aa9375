// Package ui holds terminal presentation helpers for the CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/regattalab/driftsync/internal/record"
)

// Styles shared across the CLI commands.
var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	onlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	inFlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	deadStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// IsInteractive reports whether stdout is a terminal. Wizards and spinners
// are skipped when it is not.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ColorEnabled reports whether styled output makes sense here.
func ColorEnabled() bool {
	if !IsInteractive() {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Palette renders CLI text, styled or plain.
type Palette struct {
	color bool
}

// NewPalette builds a palette matching the current terminal.
func NewPalette() Palette {
	return Palette{color: ColorEnabled()}
}

// PlainPalette always renders unstyled text. Piped output and tests use it.
func PlainPalette() Palette {
	return Palette{}
}

// Title renders a command heading.
func (p Palette) Title(s string) string {
	if p.color {
		return titleStyle.Render(s)
	}
	return s
}

// Header renders a section or column header.
func (p Palette) Header(s string) string {
	if p.color {
		return headerStyle.Render(s)
	}
	return s
}

// Dim renders de-emphasized detail text.
func (p Palette) Dim(s string) string {
	if p.color {
		return dimStyle.Render(s)
	}
	return s
}

// StatusBadge renders a record status in its signal color.
func (p Palette) StatusBadge(status record.Status) string {
	s := string(status)
	if !p.color {
		return s
	}
	switch status {
	case record.StatusPending:
		return pendingStyle.Render(s)
	case record.StatusInFlight:
		return inFlightStyle.Render(s)
	case record.StatusSucceeded:
		return onlineStyle.Render(s)
	case record.StatusDeadLettered:
		return deadStyle.Render(s)
	default:
		return s
	}
}

// OnlineBadge renders the connectivity state.
func (p Palette) OnlineBadge(online bool) string {
	if online {
		if p.color {
			return onlineStyle.Render("online")
		}
		return "online"
	}
	if p.color {
		return offlineStyle.Render("offline")
	}
	return "offline"
}
