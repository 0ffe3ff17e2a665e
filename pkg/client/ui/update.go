package ui

import (
	"strings"
	"unicode"

	"github.com/aeolun/chatcast/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case EnvelopeMsg:
		cmd := m.receive(msg.Envelope)
		return m, tea.Batch(cmd, listenForEnvelopes(m.conn))

	case DisconnectedMsg:
		m.connectionState = StateDisconnected
		if msg.Err != nil {
			m.errorMessage = m.label("ui.error.websocket", msg.Err.Error())
		}
		return m, nil

	case ErrorMsg:
		m.errorMessage = m.label("ui.error.send.failed")
		return m, nil
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		body := strings.TrimSpace(m.input.Value())
		switch {
		case m.connectionState != StateConnected:
			m.errorMessage = m.label("ui.error.not.connected")
			return m, nil
		case body == "":
			m.errorMessage = m.label("ui.error.message.required")
			return m, nil
		}
		m.errorMessage = ""
		m.input.SetValue("")
		return m, m.sendChat(body)

	case "pgup", "pgdown", "up", "down":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// receive applies one server envelope. UserCount only updates the counter;
// every other kind becomes a scrollback line.
func (m *Model) receive(env protocol.Envelope) tea.Cmd {
	if env.Kind == protocol.KindUserCount {
		m.online = env.Count
		return nil
	}

	l := line{
		env:     env,
		mention: env.Kind == protocol.KindChat && !strings.EqualFold(env.Sender, m.name) && mentions(env.Body, m.name),
	}
	m.lines = append(m.lines, l)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}

	m.viewport.SetContent(m.buildContent())
	m.viewport.GotoBottom()

	if l.mention && m.notify != nil {
		notify, title, body := m.notify, env.Sender, env.Body
		return func() tea.Msg {
			// Notifications are best effort
			_ = notify(title, body)
			return nil
		}
	}
	return nil
}

// mentions reports whether body names name as a word, with or without a
// leading @. Matching ignores case.
func mentions(body, name string) bool {
	if name == "" {
		return false
	}
	words := strings.FieldsFunc(body, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '@' && r != '-' && r != '_')
	})
	for _, word := range words {
		if strings.EqualFold(strings.TrimPrefix(word, "@"), name) {
			return true
		}
	}
	return false
}

func (m *Model) resize() {
	// header (1) + pane border (2) + input box (3) + footer (1)
	height := m.height - 7
	if height < 3 {
		height = 3
	}
	width := m.width - 4
	if width < 20 {
		width = 20
	}
	m.viewport.Width = width
	m.viewport.Height = height
	m.input.Width = width - 2
	m.viewport.SetContent(m.buildContent())
	m.viewport.GotoBottom()
}
