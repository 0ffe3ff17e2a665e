package ui

import (
	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// maxLines bounds the scrollback kept in memory
const maxLines = 500

// Conn is the part of client.Client the UI uses
type Conn interface {
	Send(env protocol.Envelope) error
	Incoming() <-chan protocol.Envelope
	Err() error
}

// Labels resolves UI strings; *i18n.Localizer satisfies it
type Labels interface {
	Text(key string, args ...any) (string, error)
	Plural(base string, n int) (string, error)
}

// Notifier shows a desktop notification
type Notifier func(title, message string) error

// DesktopNotifier sends notifications through the OS notification service
func DesktopNotifier(title, message string) error {
	return beeep.Notify(title, message, "")
}

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
)

// line is one rendered entry in the scrollback
type line struct {
	env     protocol.Envelope
	mention bool
}

// Model represents the application state
type Model struct {
	conn   Conn
	labels Labels
	notify Notifier
	name   string

	connectionState ConnectionState
	online          int
	lines           []line

	// UI state
	width    int
	height   int
	viewport viewport.Model
	input    textinput.Model

	errorMessage string
}

// EnvelopeMsg carries one envelope from the server
type EnvelopeMsg struct {
	Envelope protocol.Envelope
}

// DisconnectedMsg reports that the connection ended; Err is nil for an
// orderly close
type DisconnectedMsg struct {
	Err error
}

// ErrorMsg reports a failed send
type ErrorMsg struct {
	Err error
}

// NewModel creates the chat model for a connected client. notify may be nil.
func NewModel(conn Conn, name string, labels Labels, notify Notifier) Model {
	m := Model{
		conn:   conn,
		labels: labels,
		notify: notify,
		name:   name,
	}

	m.input = textinput.New()
	m.input.Placeholder = m.label("ui.input.message.placeholder")
	m.input.CharLimit = 2000
	m.input.Focus()

	m.viewport = viewport.New(80, 20)
	return m
}

// Init sends the join and starts listening
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.sendJoin(), listenForEnvelopes(m.conn), textinput.Blink)
}

// Lines returns how many entries are in the scrollback
func (m Model) Lines() int {
	return len(m.lines)
}

// Online returns the last user count received from the server
func (m Model) Online() int {
	return m.online
}

func listenForEnvelopes(conn Conn) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-conn.Incoming()
		if !ok {
			return DisconnectedMsg{Err: conn.Err()}
		}
		return EnvelopeMsg{Envelope: env}
	}
}

func (m Model) sendJoin() tea.Cmd {
	conn := m.conn
	env := protocol.NewJoin(m.name, m.label("chat.message.join", m.name))
	return func() tea.Msg {
		if err := conn.Send(env); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

func (m Model) sendChat(body string) tea.Cmd {
	conn := m.conn
	env := protocol.NewChat(m.name, body)
	return func() tea.Msg {
		if err := conn.Send(env); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

// label resolves key, falling back to the key itself
func (m Model) label(key string, args ...any) string {
	if m.labels == nil {
		return key
	}
	text, err := m.labels.Text(key, args...)
	if err != nil {
		return key
	}
	return text
}

func (m Model) onlineLabel() string {
	if m.labels == nil {
		return ""
	}
	text, err := m.labels.Plural("users.online", m.online)
	if err != nil {
		return ""
	}
	return text
}
