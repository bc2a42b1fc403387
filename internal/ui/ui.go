// Package ui provides terminal styling helpers for CLI output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// isTTY reports whether stdout is a terminal; styling is skipped when
// output is piped.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderAccent styles s as a highlighted value.
func RenderAccent(s string) string {
	if !isTTY() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderLabel styles s as a dim field label.
func RenderLabel(s string) string {
	if !isTTY() {
		return s
	}
	return labelStyle.Render(s)
}

// RenderWarn styles s as a warning.
func RenderWarn(s string) string {
	if !isTTY() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderOK styles s as a healthy value.
func RenderOK(s string) string {
	if !isTTY() {
		return s
	}
	return okStyle.Render(s)
}
