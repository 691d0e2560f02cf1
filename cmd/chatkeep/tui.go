package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/chatkeep/pkg/chat"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/runner"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	reasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true).PaddingLeft(2)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateChatting state = iota
	stateSelectingSession
)

type errMsg struct{ err error }
type streamUpdateMsg runner.Update
type replyDoneMsg struct{ err error }

type model struct {
	ctx    context.Context
	store  *chat.Store
	runner *runner.Runner

	state      state
	sessions   []domain.Session
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	// Streaming
	updates    chan runner.Update
	cancelTurn context.CancelFunc
	sending    bool

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, store *chat.Store, r *runner.Runner) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	// Use "light" style to avoid terminal queries that leak into input
	rend, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	m := model{
		ctx:      ctx,
		store:    store,
		runner:   r,
		state:    stateChatting,
		viewport: vp,
		textarea: ta,
		renderer: rend,
	}
	m.viewport.SetContent(m.renderMessages())
	return m
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting so list navigation does not type.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 3 // Header + status + margin
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.refresh()
		m.clampList()

	case tea.KeyMsg:
		return m.handleKey(msg, cmds)

	case streamUpdateMsg:
		m.refresh()
		cmds = append(cmds, waitForUpdate(m.updates))

	case replyDoneMsg:
		m.sending = false
		m.cancelTurn = nil
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.err = msg.err
		}
		m.refresh()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if m.cancelTurn != nil {
			m.cancelTurn()
		}
		return m, tea.Quit
	case tea.KeyEsc:
		if m.sending && m.cancelTurn != nil {
			m.cancelTurn()
			return m, nil
		}
		if m.state == stateSelectingSession {
			m.state = stateChatting
			return m, nil
		}
		return m, tea.Quit
	case tea.KeyEnter:
		switch m.state {
		case stateSelectingSession:
			return m.selectSession()
		case stateChatting:
			m.err = nil
			return m.submit()
		}
	case tea.KeyUp:
		if m.state == stateSelectingSession && m.cursor > 0 {
			m.cursor--
			m.clampList()
		}
	case tea.KeyDown:
		if m.state == stateSelectingSession && m.cursor < len(m.sessions)-1 {
			m.cursor++
			m.clampList()
		}
	default:
		if m.state == stateSelectingSession {
			switch msg.String() {
			case "n":
				m.store.CreateSession("")
				m.state = stateChatting
				m.refresh()
			case "d":
				if len(m.sessions) > 0 {
					m.store.DeleteSession(m.sessions[m.cursor].ID)
					m.openSessionList()
				}
			}
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *model) clampList() {
	maxViewable := max(m.height-7, 1)
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m *model) refresh() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *model) openSessionList() {
	m.sessions = m.store.Sessions()
	m.state = stateSelectingSession
	m.cursor = 0
	m.listOffset = 0
	cur := m.store.CurrentSessionID()
	for i, s := range m.sessions {
		if s.ID == cur {
			m.cursor = i
		}
	}
	m.clampList()
}

// Actions

func (m model) selectSession() (tea.Model, tea.Cmd) {
	if len(m.sessions) == 0 {
		m.store.CreateSession("")
	} else {
		m.store.SwitchSession(m.sessions[m.cursor].ID)
	}
	m.state = stateChatting
	m.refresh()
	return m, nil
}

func (m model) submit() (tea.Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if strings.HasPrefix(v, "/") {
		m.textarea.Reset()
		return m.command(v)
	}
	if m.sending {
		m.err = runner.ErrBusy
		return m, nil
	}

	m.textarea.Reset()
	m.sending = true

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelTurn = cancel
	m.updates = make(chan runner.Update, 64)

	updates := m.updates
	send := func() tea.Msg {
		defer cancel()
		defer close(updates)
		_, err := m.runner.Send(ctx, v, func(u runner.Update) {
			select {
			case updates <- u:
			default:
				// The view re-reads the store, so a dropped update only skips a frame.
			}
		})
		return replyDoneMsg{err: err}
	}

	m.refresh()
	return m, tea.Batch(send, waitForUpdate(updates))
}

func (m model) command(v string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(v, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit":
		return m, tea.Quit
	case "/new":
		m.store.CreateSession(arg)
	case "/rename":
		if err := m.store.RenameSession(m.store.CurrentSessionID(), arg); err != nil {
			m.err = err
		}
	case "/clear":
		m.store.ClearSession()
	case "/delete":
		m.store.DeleteSession(m.store.CurrentSessionID())
		if m.store.CurrentSessionID() == "" {
			m.store.CreateSession("")
		}
	case "/sessions":
		m.openSessionList()
		return m, nil
	default:
		m.err = fmt.Errorf("unknown command %s", name)
	}
	m.refresh()
	return m, nil
}

func waitForUpdate(sub <-chan runner.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-sub
		if !ok {
			return nil
		}
		return streamUpdateMsg(u)
	}
}

// Rendering

func (m model) renderMessages() string {
	msgs := m.store.CurrentMessages()
	if len(msgs) == 0 {
		return statusStyle.Render("No messages yet. Type below to start.")
	}

	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render("You: "))
		case domain.RoleAssistant:
			sb.WriteString(senderStyle.Render("AI: "))
		default:
			sb.WriteString(statusStyle.Render(string(msg.Role) + ": "))
		}
		sb.WriteString(statusStyle.Render(time.UnixMilli(msg.Timestamp).Format("15:04")))
		sb.WriteString("\n")

		if msg.ReasoningContent != "" {
			sb.WriteString(reasoningStyle.Render(msg.ReasoningContent))
			sb.WriteString("\n")
		}

		content := msg.Content
		if m.renderer != nil && content != "" {
			if rendered, err := m.renderer.Render(content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(content)
		sb.WriteString("\n")

		switch msg.Status {
		case domain.StatusSending:
			sb.WriteString(statusStyle.Render("  sending..."))
			sb.WriteString("\n")
		case domain.StatusError:
			sb.WriteString(errorStyle.Render("✗ " + msg.Error))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	if m.state == stateSelectingSession {
		header := titleStyle.Render("Sessions")

		maxViewable := max(m.height-7, 1)
		start := m.listOffset
		end := min(start+maxViewable, len(m.sessions))

		var optionsView []string
		for i := start; i < end; i++ {
			s := m.sessions[i]
			cursor := " "
			line := fmt.Sprintf("%s (%d messages, %s)", s.Title, len(s.Messages), time.UnixMilli(s.UpdatedAt).Format(time.RFC822))
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Enter to open, n for new, d to delete, Esc to go back."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
	}

	title := "chatkeep"
	if cur, ok := m.store.CurrentSession(); ok {
		title = cur.Title
	}
	status := ""
	if m.sending {
		status = statusStyle.Render("generating... (Esc to stop)")
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(title),
		"",
		m.viewport.View(),
		status,
		errorView,
		m.textarea.View(),
	)
}
