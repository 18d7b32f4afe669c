package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor = lipgloss.Color("205")
	MutedColor   = lipgloss.Color("240")
	ErrorColor   = lipgloss.Color("196")
	SystemColor  = lipgloss.Color("39")
	TextColor    = lipgloss.Color("252")
)

// Styles holds the shared lipgloss styles
var Styles = struct {
	Header    lipgloss.Style
	Status    lipgloss.Style
	Error     lipgloss.Style
	Own       lipgloss.Style
	Author    lipgloss.Style
	Text      lipgloss.Style
	System    lipgloss.Style
	Footer    lipgloss.Style
	InputBox  lipgloss.Style
	InputDead lipgloss.Style
}{
	Header: lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		Padding(0, 1),
	Status: lipgloss.NewStyle().
		Foreground(MutedColor).
		Padding(0, 1),
	Error: lipgloss.NewStyle().
		Foreground(ErrorColor).
		Bold(true).
		Padding(0, 1),
	Own:    lipgloss.NewStyle().Foreground(PrimaryColor).Bold(true),
	Author: lipgloss.NewStyle().Foreground(SystemColor).Bold(true),
	Text:   lipgloss.NewStyle().Foreground(TextColor),
	System: lipgloss.NewStyle().Foreground(MutedColor).Italic(true),
	Footer: lipgloss.NewStyle().
		Foreground(MutedColor).
		Padding(0, 1),
	InputBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Padding(0, 1),
	InputDead: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Padding(0, 1),
}
