package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fenggwsx/SlashLive/internal/auth"
	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/protocol"
)

const (
	connectTimeout   = 5 * time.Second
	pipeHistoryLimit = 200
	chatHistoryLimit = 500
)

// App implements the bubbletea tea.Model interface for the terminal client.
type App struct {
	cfg       config.ClientConfig
	session   *Session
	serverURL string
	token     string
	userID    uint
	username  string

	statusOnline bool
	presence     string

	view     viewMode
	room     uint
	joined   []uint
	chats    map[uint][]protocol.ChatMessage
	call     uint
	peers    []protocol.CallParticipant
	invite   *protocol.CallEvent
	pending  map[string]pendingRequest
	pipe     []pipeEntry
	commands []commandSpec

	viewport   viewport.Model
	input      textinput.Model
	helper     help.Model
	showHelp   bool
	helpView   string
	helpHeight int
	width      int
	height     int
	logLine    logEntry
	styles     styleSet
}

type viewMode int

const (
	viewChat viewMode = iota
	viewCall
	viewHelp
	viewPipe
)

func (v viewMode) String() string {
	switch v {
	case viewChat:
		return "chat"
	case viewCall:
		return "call"
	case viewHelp:
		return "help"
	case viewPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

type logLevel int

const (
	logLevelInfo logLevel = iota
	logLevelError
)

type logEntry struct {
	level logLevel
	label string
	body  string
}

type styleSet struct {
	title         lipgloss.Style
	view          lipgloss.Style
	statusOnline  lipgloss.Style
	statusOffline lipgloss.Style
	label         lipgloss.Style
	value         lipgloss.Style
	self          lipgloss.Style
	system        lipgloss.Style
	logLabel      lipgloss.Style
	logBody       lipgloss.Style
	logLabelError lipgloss.Style
	logBodyError  lipgloss.Style
	help          lipgloss.Style
}

type pipeDirection string

const (
	pipeDirectionIn  pipeDirection = "IN"
	pipeDirectionOut pipeDirection = "OUT"
)

type pipeEntry struct {
	direction pipeDirection
	event     string
	timestamp time.Time
	body      string
}

// pendingRequest remembers what an outstanding request was for, keyed by
// its frame id, so the matching ack or error can be reported.
type pendingRequest struct {
	action string
	room   uint
	target uint
}

type commandSpec struct {
	trigger     string
	usage       string
	description string
}

type connectResultMsg struct {
	session *Session
	url     string
	token   string
	err     error
}

type envelopeMsg struct {
	session  *Session
	envelope protocol.RawEnvelope
}

type sessionClosedMsg struct {
	session *Session
}

type sendResultMsg struct {
	id          string
	description string
	err         error
}

// NewApp returns a Bubble Tea model pre-populated with defaults.
func NewApp(cfg config.ClientConfig) *App {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "Type a message or " + string(cfg.Prefix()) + "help"
	input.CharLimit = 4000
	input.Focus()

	app := &App{
		cfg:       cfg,
		serverURL: cfg.ServerURL,
		token:     cfg.Token,
		presence:  "offline",
		view:      viewChat,
		chats:     make(map[uint][]protocol.ChatMessage),
		pending:   make(map[string]pendingRequest),
		pipe:      make([]pipeEntry, 0, pipeHistoryLimit),
		viewport:  viewport.New(0, 0),
		input:     input,
		helper:    help.New(),
		styles:    buildStyles(),
		logLine:   logEntry{label: "INFO", body: "Ready"},
	}
	app.commands = defaultCommands(cfg.Prefix())
	app.identify(cfg.Token)
	app.updateViewportContent()
	return app
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles user input and session events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = m.Width, m.Height
		a.updateInputWidth()
		a.updateHelp()
		a.updateViewportSize()
		a.updateViewportContent()
		return a, nil
	case tea.KeyMsg:
		return a.handleKey(m)
	case connectResultMsg:
		return a, a.handleConnectResult(m)
	case envelopeMsg:
		if m.session != a.session {
			return a, nil
		}
		return a, tea.Batch(a.handleEnvelope(m.envelope), a.listenForSession())
	case sessionClosedMsg:
		a.handleSessionClosed(m)
		return a, nil
	case sendResultMsg:
		if m.err != nil {
			delete(a.pending, m.id)
			a.logErrorf("Failed to send %s: %v", m.description, m.err)
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return a, a.quit()
	case tea.KeyEnter:
		value := a.input.Value()
		a.input.Reset()
		a.updateHelp()
		a.updateViewportSize()
		if strings.TrimSpace(value) == "" {
			return a, nil
		}
		return a, a.handleSubmit(value)
	case tea.KeyTab:
		a.handleTabCompletion()
		a.updateHelp()
		a.updateViewportSize()
		return a, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	a.updateHelp()
	a.updateViewportSize()
	return a, cmd
}

// identify reads the user behind a token for display. The server verifies
// the signature; the client only needs the claims.
func (a *App) identify(token string) {
	a.userID, a.username = 0, "-"
	if token == "" {
		return
	}
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	a.userID = claims.UserID
	if claims.Username != "" {
		a.username = claims.Username
	} else {
		a.username = fmt.Sprintf("#%d", claims.UserID)
	}
}

func (a *App) connectToServer(url, token string) tea.Cmd {
	if a.session != nil {
		_ = a.session.Close()
		a.session = nil
	}
	a.resetSessionState()
	a.serverURL = url
	a.token = token
	a.identify(token)
	a.logf("Connecting to %s ...", url)

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		session, err := Dial(ctx, url, token)
		return connectResultMsg{session: session, url: url, token: token, err: err}
	}
}

func (a *App) handleConnectResult(msg connectResultMsg) tea.Cmd {
	if msg.err != nil {
		a.statusOnline = false
		a.logErrorf("Connection to %s failed: %v", msg.url, msg.err)
		return nil
	}
	if msg.url != a.serverURL || msg.token != a.token {
		_ = msg.session.Close()
		return nil
	}
	a.session = msg.session
	a.statusOnline = true
	a.presence = "online"
	a.logf("Connected to %s as %s", msg.url, a.username)
	return tea.Batch(
		a.listenForSession(),
		a.request(pendingRequest{action: "rooms"}, protocol.EventJoinConversations, nil),
	)
}

func (a *App) handleSessionClosed(msg sessionClosedMsg) {
	if msg.session != a.session || a.session == nil {
		return
	}
	a.session = nil
	a.resetSessionState()
	a.logErrorf("Connection closed")
	a.updateViewportContent()
}

func (a *App) resetSessionState() {
	a.statusOnline = false
	a.presence = "offline"
	a.room = 0
	a.call = 0
	a.joined = nil
	a.peers = nil
	a.invite = nil
	a.chats = make(map[uint][]protocol.ChatMessage)
	a.pending = make(map[string]pendingRequest)
}

func (a *App) listenForSession() tea.Cmd {
	session := a.session
	if session == nil {
		return nil
	}
	return func() tea.Msg {
		env, ok := <-session.Messages()
		if !ok {
			return sessionClosedMsg{session: session}
		}
		return envelopeMsg{session: session, envelope: env}
	}
}

// request encodes a frame, records it as pending and writes it off the
// update loop.
func (a *App) request(p pendingRequest, event string, data interface{}) tea.Cmd {
	session := a.session
	if session == nil {
		a.logErrorf("Not connected. Use %sconnect first.", string(a.cfg.Prefix()))
		return nil
	}
	frame, id, err := protocol.NewRequest(event, data)
	if err != nil {
		a.logErrorf("Failed to encode %s: %v", event, err)
		return nil
	}
	a.pending[id] = p
	a.appendPipeEntry(pipeDirectionOut, event, frame)
	return func() tea.Msg {
		return sendResultMsg{id: id, description: event, err: session.Write(frame)}
	}
}

func (a *App) isConnected() bool {
	return a.session != nil && a.statusOnline
}

func (a *App) quit() tea.Cmd {
	if a.session != nil {
		_ = a.session.Close()
		a.session = nil
	}
	a.statusOnline = false
	return tea.Quit
}

func (a *App) logf(format string, args ...interface{}) {
	a.logLine = logEntry{level: logLevelInfo, label: "INFO", body: fmt.Sprintf(format, args...)}
}

func (a *App) logErrorf(format string, args ...interface{}) {
	a.logLine = logEntry{level: logLevelError, label: "ERROR", body: fmt.Sprintf(format, args...)}
}
