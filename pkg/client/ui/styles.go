package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	ShortcutKeyStyle = BaseStyle.
				Foreground(PrimaryColor).
				Bold(true)

	ShortcutDescStyle = BaseStyle.
				Foreground(lipgloss.Color("252"))

	// Message styles
	MessageAuthorStyle = BaseStyle.
				Foreground(SecondaryColor)

	MessageOwnAuthorStyle = BaseStyle.
				Foreground(SuccessColor).
				Bold(true)

	MessageTimeStyle = BaseStyle.
				Foreground(MutedColor).
				Italic(true)

	MessageContentStyle = BaseStyle.
				Foreground(lipgloss.Color("252"))

	MessageMentionStyle = BaseStyle.
				Foreground(WarningColor).
				Bold(true)

	SystemLineStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	ChatPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	InputStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(0, 1)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)

	SuccessStyle = BaseStyle.
			Foreground(SuccessColor).
			Bold(true)

	WarningStyle = BaseStyle.
			Foreground(WarningColor).
			Bold(true)
)

// RenderShortcut renders a keyboard shortcut
func RenderShortcut(key, desc string) string {
	return ShortcutKeyStyle.Render("["+key+"]") + " " + ShortcutDescStyle.Render(desc)
}

// RenderError renders an error message
func RenderError(msg string) string {
	return ErrorStyle.Render("✗ " + msg)
}

// RenderSuccess renders a success message
func RenderSuccess(msg string) string {
	return SuccessStyle.Render("✓ " + msg)
}

// RenderWarning renders a warning message
func RenderWarning(msg string) string {
	return WarningStyle.Render("⚠ " + msg)
}
