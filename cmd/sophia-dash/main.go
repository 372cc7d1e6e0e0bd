// Command sophia-dash is the terminal dashboard. It opens the realtime
// client against the orchestration backend, renders the live transcript and
// health panel, and optionally persists finalized messages to SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/client"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/config"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/session"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/store"
)

const pollInterval = 150 * time.Millisecond

type tickMsg time.Time

type sendDoneMsg struct{ err error }

type styles struct {
	header     lipgloss.Style
	connUp     lipgloss.Style
	connDown   lipgloss.Style
	user       lipgloss.Style
	assistant  lipgloss.Style
	errText    lipgloss.Style
	pending    lipgloss.Style
	panel      lipgloss.Style
	help       lipgloss.Style
	inputFrame lipgloss.Style
}

func newStyles() styles {
	return styles{
		header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		connUp:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		connDown:   lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		user:       lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true),
		assistant:  lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		errText:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		pending:    lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		panel:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		help:       lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		inputFrame: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1),
	}
}

type model struct {
	cl     *client.Client
	cfg    *config.Config
	styles styles

	input    textinput.Model
	chat     viewport.Model
	spinner  spinner.Model
	width    int
	height   int
	ready    bool
	lastErr  string
	snapshot session.Snapshot
	conn     client.ConnState
}

func newModel(cl *client.Client, cfg *config.Config) model {
	input := textinput.New()
	input.Placeholder = "Message the orchestrator..."
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))

	return model{
		cl:      cl,
		cfg:     cfg,
		styles:  newStyles(),
		input:   input,
		chat:    viewport.New(0, 0),
		spinner: sp,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chat.Width = msg.Width
		m.chat.Height = msg.Height - 7
		if m.chat.Height < 3 {
			m.chat.Height = 3
		}
		m.input.Width = msg.Width - 6
		m.ready = true
		m.chat.SetContent(m.renderChat())
		m.chat.GotoBottom()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlR:
			if m.conn == client.Connected {
				cmds = append(cmds, m.refreshCmd())
			}
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				break
			}
			if m.conn != client.Connected {
				m.lastErr = "not connected: message not sent"
				break
			}
			m.input.Reset()
			m.lastErr = ""
			cmds = append(cmds, m.sendCmd(text))
		}

	case tickMsg:
		wasAt := m.chat.AtBottom()
		m.snapshot = m.cl.State().Snapshot()
		m.conn = m.cl.ConnState()
		m.chat.SetContent(m.renderChat())
		if wasAt {
			m.chat.GotoBottom()
		}
		cmds = append(cmds, tick())

	case sendDoneMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.chat, cmd = m.chat.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// refreshCmd asks the backend for fresh status and metrics pushes ahead of
// the next heartbeat.
func (m model) refreshCmd() tea.Cmd {
	cl := m.cl
	return func() tea.Msg {
		if err := cl.RequestStatus(); err != nil {
			return sendDoneMsg{err: err}
		}
		return sendDoneMsg{err: cl.RequestMetrics()}
	}
}

func (m model) sendCmd(text string) tea.Cmd {
	cl := m.cl
	return func() tea.Msg {
		_, err := cl.SendChat(text, client.ChatOptions{})
		return sendDoneMsg{err: err}
	}
}

func (m model) renderChat() string {
	var b strings.Builder
	for _, msg := range m.snapshot.Messages {
		switch msg.Role {
		case session.RoleUser:
			b.WriteString(m.styles.user.Render("you"))
			switch msg.Delivery {
			case session.DeliveryPending:
				b.WriteString(m.styles.pending.Render(" (sending)"))
			case session.DeliveryFailed:
				b.WriteString(m.styles.errText.Render(" (failed)"))
			}
			b.WriteString("\n" + msg.Content + "\n\n")
		default:
			b.WriteString(m.styles.assistant.Render("sophia"))
			b.WriteString("\n")
			switch {
			case msg.IsError:
				b.WriteString(m.styles.errText.Render(msg.Content) + "\n\n")
			case msg.Streaming:
				b.WriteString(msg.Content + "▌\n\n")
			default:
				b.WriteString(renderMarkdown(msg.Content, m.width) + "\n\n")
			}
		}
	}
	return b.String()
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	conn := m.styles.connDown.Render(m.conn.String())
	if m.conn == client.Connected {
		conn = m.styles.connUp.Render(m.conn.String())
	}
	header := m.styles.header.Render("Sophia Dashboard") +
		fmt.Sprintf("  session %s  %s", m.snapshot.SessionID, conn)

	typing := ""
	if m.snapshot.AgentTyping {
		typing = m.spinner.View() + " agent is responding"
	}

	footer := m.styles.help.Render("enter send · ctrl+r refresh · esc quit")
	if m.lastErr != "" {
		footer = m.styles.errText.Render(m.lastErr)
	}

	return strings.Join([]string{
		header,
		m.chat.View(),
		m.statusLine(),
		typing,
		m.styles.inputFrame.Width(m.width - 2).Render(m.input.View()),
		footer,
	}, "\n")
}

func (m model) statusLine() string {
	h := m.snapshot.Health
	mt := m.snapshot.Metrics
	health := h.OverallStatus
	if health == "" {
		health = "unknown"
	}
	pool := ""
	if h.ConnectionPool.Max > 0 {
		pool = fmt.Sprintf("  pool %d/%d", h.ConnectionPool.Active, h.ConnectionPool.Max)
	}
	return m.styles.panel.Render(fmt.Sprintf(
		"health %s  degradation %s%s  req/s %.1f  err %.2f%%  p95 %.0fms  msgs %d  tokens %d",
		health, h.DegradationLevel.Level, pool,
		mt.RequestRate, mt.ErrorRate*100, mt.P95ResponseTime,
		m.snapshot.MessageCount, m.snapshot.TotalTokens,
	))
}

// renderMarkdown styles finalized assistant replies. Falls back to the raw
// text when glamour cannot build a renderer for the current terminal.
func renderMarkdown(md string, width int) string {
	if strings.TrimSpace(md) == "" {
		return md
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func main() {
	resume := flag.String("session", "", "session id to restore from the transcript store")
	flag.Parse()

	cfg := config.Load()
	cl := client.New(cfg)

	var transcripts *store.Store
	if cfg.SQLitePath != "" {
		var err error
		transcripts, err = store.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open transcript store: %v", err)
		}
		defer transcripts.Close()
		if *resume != "" {
			restoreSession(cl.State(), transcripts, *resume)
		}
	}

	if err := cl.Open(); err != nil {
		log.Fatalf("Failed to open client: %v", err)
	}

	p := tea.NewProgram(newModel(cl, cfg), tea.WithAltScreen())
	_, runErr := p.Run()

	if err := cl.Close(); err != nil {
		log.Printf("Close client: %v", err)
	}
	if transcripts != nil {
		persistSession(cl.State(), transcripts)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "sophia-dash: %v\n", runErr)
		os.Exit(1)
	}
}

// restoreSession preloads the read model with a stored transcript.
func restoreSession(st *session.State, transcripts *store.Store, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := transcripts.GetSession(ctx, sessionID); err != nil {
		log.Printf("Session %s not in store, starting fresh: %v", sessionID, err)
		return
	}
	msgs, err := transcripts.GetMessages(ctx, sessionID, 0)
	if err != nil {
		log.Printf("Load transcript for %s: %v", sessionID, err)
		return
	}
	st.Restore(sessionID, msgs)
}

// persistSession writes the finalized transcript back to the store. Streaming
// and failed messages are skipped; they never reached a terminal state.
func persistSession(st *session.State, transcripts *store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := st.Snapshot()
	rec := store.SessionRecord{
		SessionID:    snap.SessionID,
		ClientID:     snap.ClientID,
		CreatedAt:    snap.CreatedAt,
		MessageCount: snap.MessageCount,
		TotalTokens:  snap.TotalTokens,
		LastActivity: snap.LastActivity,
	}
	if err := transcripts.SaveSession(ctx, rec); err != nil {
		log.Printf("Save session %s: %v", snap.SessionID, err)
		return
	}
	for _, msg := range snap.Messages {
		if msg.Streaming || msg.Delivery == session.DeliveryFailed {
			continue
		}
		if err := transcripts.SaveMessage(ctx, snap.SessionID, msg); err != nil {
			log.Printf("Save message %s: %v", msg.ID, err)
			return
		}
	}
}
