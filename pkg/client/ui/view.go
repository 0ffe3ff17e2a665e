package ui

import (
	"strings"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

// View renders the current state
func (m Model) View() string {
	if m.width == 0 {
		return m.label("ui.connection.connecting")
	}

	paneWidth := m.width - 2
	sections := []string{
		m.renderHeader(),
		ChatPaneStyle.Width(paneWidth).Render(m.viewport.View()),
		InputStyle.Width(paneWidth).Render(m.input.View()),
		m.renderFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	title := HeaderStyle.Render(m.label("app.title"))

	var status string
	if m.connectionState == StateConnected {
		status = SuccessStyle.Render("● " + m.label("ui.connection.connected"))
	} else {
		status = ErrorStyle.Render("● " + m.label("ui.connection.disconnected"))
	}

	parts := []string{title, StatusStyle.Render(status)}
	if online := m.onlineLabel(); online != "" {
		parts = append(parts, StatusStyle.Render(online))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) renderFooter() string {
	if m.errorMessage != "" {
		return FooterStyle.Render(RenderError(m.errorMessage))
	}
	return FooterStyle.Render(RenderShortcut("enter", m.label("ui.button.send")) + "  " + RenderShortcut("esc", "quit"))
}

func (m Model) buildContent() string {
	rendered := make([]string, len(m.lines))
	for i, l := range m.lines {
		rendered[i] = renderLine(l, m.name)
	}
	return strings.Join(rendered, "\n")
}

// renderLine formats one scrollback entry. own is the local user's name.
func renderLine(l line, own string) string {
	env := l.env
	switch env.Kind {
	case protocol.KindJoin:
		return SystemLineStyle.Render("→ " + env.Body)
	case protocol.KindLeave:
		return SystemLineStyle.Render("← " + env.Body)
	case protocol.KindError:
		return RenderError(env.Body)
	}

	author := MessageAuthorStyle
	if strings.EqualFold(env.Sender, own) {
		author = MessageOwnAuthorStyle
	}
	content := MessageContentStyle
	if l.mention {
		content = MessageMentionStyle
	}
	return MessageTimeStyle.Render(formatClock(env.CreatedAt)) + " " +
		author.Render(env.Sender) + ": " +
		content.Render(env.Body)
}

// formatClock shows the local time of day, with the date for older messages
func formatClock(t time.Time) string {
	local := t.Local()
	if time.Since(t) >= 24*time.Hour {
		return local.Format("Jan 2 15:04")
	}
	return local.Format("15:04")
}
