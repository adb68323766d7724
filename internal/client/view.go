package client

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
	"github.com/mattn/go-runewidth"
	"github.com/samber/lo"

	"github.com/fenggwsx/SlashLive/internal/protocol"
)

// View renders the terminal UI.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.viewport.View())
	b.WriteString("\n")

	if a.showHelp && a.helpView != "" {
		b.WriteString(a.styles.help.Render(a.helpView))
		b.WriteString("\n")
	}

	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(a.logLineView())
	b.WriteString("\n")
	b.WriteString(a.statusLine())

	return b.String()
}

func (a *App) updateViewportContent() {
	width := a.viewport.Width
	if width <= 0 {
		width = a.width
	}
	switch a.view {
	case viewChat:
		if a.room == 0 {
			a.viewport.SetContent(a.homeContent())
			return
		}
		history := a.chats[a.room]
		if len(history) == 0 {
			a.viewport.SetContent(fmt.Sprintf("No messages in room %d yet. Type and press Enter to send.", a.room))
			return
		}
		lines := lo.Map(history, func(m protocol.ChatMessage, _ int) string { return a.formatChatMessage(m) })
		a.viewport.SetContent(strings.Join(wrapLines(lines, width), "\n"))
		a.viewport.GotoBottom()
	case viewCall:
		a.viewport.SetContent(a.renderCallView())
	case viewPipe:
		if len(a.pipe) == 0 {
			a.viewport.SetContent("No transport frames captured yet. Send commands to populate this view or use " + string(a.cfg.Prefix()) + "pipe clear to reset.")
			return
		}
		a.viewport.SetContent(a.renderPipeView())
		a.viewport.GotoBottom()
	case viewHelp:
		a.viewport.SetContent(a.renderHelpView())
	}
}

func (a *App) updateViewportSize() {
	if a.height == 0 {
		return
	}
	const fixed = 3
	height := a.height - fixed - a.helpHeight
	if height < 3 {
		height = 3
	}
	a.viewport.Height = height
	a.viewport.Width = a.width
}

func (a *App) updateInputWidth() {
	width := a.width
	if width <= 0 {
		width = 60
	}
	usable := width - lipgloss.Width(a.input.Prompt) - 1
	if usable < 10 {
		usable = 10
	}
	a.input.Width = usable
}

func (a *App) updateHelp() {
	value := a.input.Value()
	if value == "" || !strings.HasPrefix(value, string(a.cfg.Prefix())) {
		a.showHelp = false
		a.helpView = ""
		a.helpHeight = 0
		return
	}

	token := value
	if idx := strings.IndexAny(value, " \t"); idx >= 0 {
		token = value[:idx]
	}

	bindings := a.matchingBindings(token)
	if len(bindings) == 0 {
		a.showHelp = false
		a.helpView = ""
		a.helpHeight = 0
		return
	}

	a.showHelp = true
	a.helper.Width = a.width
	view := strings.TrimRight(a.helper.View(dynamicKeyMap{keys: bindings}), "\n")
	a.helpView = view
	a.helpHeight = countLines(view)
}

func (a *App) matchingBindings(prefix string) []key.Binding {
	prefix = strings.ToLower(prefix)
	var bindings []key.Binding
	for _, c := range a.commands {
		if strings.HasPrefix(c.trigger, prefix) {
			bindings = append(bindings, key.NewBinding(
				key.WithKeys(c.usage),
				key.WithHelp(c.usage, c.description),
			))
		}
	}
	return bindings
}

func (a *App) statusLine() string {
	status := "OFFLINE"
	if a.statusOnline {
		status = "ONLINE"
	}
	room := lo.Ternary(a.room == 0, "-", fmt.Sprintf("%d", a.room))
	call := lo.Ternary(a.call == 0, "-", fmt.Sprintf("%d", a.call))

	parts := []string{
		a.styles.title.Render("SlashLive"),
		a.styles.view.Render(strings.ToUpper(a.view.String())),
		a.statusValueStyle(status).Render(status),
		a.styles.label.Render("Server") + ": " + a.styles.value.Render(lo.CoalesceOrEmpty(a.serverURL, "-")),
		a.styles.label.Render("User") + ": " + a.styles.value.Render(a.username),
		a.styles.label.Render("Presence") + ": " + a.styles.value.Render(a.presence),
		a.styles.label.Render("Room") + ": " + a.styles.value.Render(room),
		a.styles.label.Render("Call") + ": " + a.styles.value.Render(call),
	}
	return strings.Join(parts, " | ")
}

func (a *App) statusValueStyle(status string) lipgloss.Style {
	if strings.EqualFold(status, "ONLINE") {
		return a.styles.statusOnline
	}
	return a.styles.statusOffline
}

func (a *App) logLineView() string {
	labelStyle := a.styles.logLabel
	bodyStyle := a.styles.logBody
	if a.logLine.level == logLevelError {
		labelStyle = a.styles.logLabelError
		bodyStyle = a.styles.logBodyError
	}
	return labelStyle.Render(a.logLine.label) + " " + bodyStyle.Render(a.logLine.body)
}

func buildStyles() styleSet {
	base := lipgloss.NewStyle()
	return styleSet{
		title:         base.Foreground(lipgloss.Color("13")).Bold(true),
		view:          base.Foreground(lipgloss.Color("14")).Bold(true),
		statusOnline:  base.Foreground(lipgloss.Color("10")).Bold(true),
		statusOffline: base.Foreground(lipgloss.Color("9")).Bold(true),
		label:         base.Foreground(lipgloss.Color("8")),
		value:         base.Foreground(lipgloss.Color("15")),
		self:          base.Foreground(lipgloss.Color("10")),
		system:        base.Foreground(lipgloss.Color("8")).Italic(true),
		logLabel:      base.Foreground(lipgloss.Color("11")).Bold(true),
		logBody:       base.Foreground(lipgloss.Color("7")),
		logLabelError: base.Foreground(lipgloss.Color("9")).Bold(true),
		logBodyError:  base.Foreground(lipgloss.Color("9")),
		help:          base.Foreground(lipgloss.Color("12")),
	}
}

func (a *App) renderCallView() string {
	if a.call == 0 {
		return "Not in a call. Use " + string(a.cfg.Prefix()) + "call <room> to join one."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Call %d\n\n", a.call)
	if len(a.peers) == 0 {
		b.WriteString("Waiting for participants ...")
		return b.String()
	}
	fmt.Fprintf(&b, "%-20s %-8s %-6s %-6s %-6s\n", "PARTICIPANT", "STATUS", "CAM", "MIC", "SCREEN")
	for _, p := range a.peers {
		name := fmt.Sprintf("user %d", p.UserID)
		if p.UserID == a.userID {
			name = a.styles.self.Render(runewidth.FillRight(name+" (you)", 20))
		} else {
			name = runewidth.FillRight(name, 20)
		}
		fmt.Fprintf(&b, "%s %-8s %-6s %-6s %-6s\n", name, p.Status, onOff(p.Camera), onOff(p.Microphone), onOff(p.ScreenShare))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) renderHelpView() string {
	var b strings.Builder
	b.WriteString("SlashLive Commands\n\n")
	for _, c := range a.commands {
		fmt.Fprintf(&b, "%-30s %s\n", c.usage, c.description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) renderPipeView() string {
	var b strings.Builder
	for i, entry := range a.pipe {
		ts := entry.timestamp.Format("15:04:05.000")
		header := fmt.Sprintf("[%s %s %s]", ts, entry.direction, lo.CoalesceOrEmpty(entry.event, "unknown"))
		b.WriteString(a.styles.label.Render(header))
		b.WriteString("\n")
		b.WriteString(entry.body)
		if i < len(a.pipe)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func (a *App) homeContent() string {
	fig := figure.NewColorFigure("SLASH LIVE", "3-d", "green", true)
	art := strings.TrimRight(fig.String(), "\n")
	p := string(a.cfg.Prefix())
	info := []string{
		"Use " + p + "connect [url] <token> to reach the server.",
		"Use " + p + "rooms to join your conversations, or " + p + "join <room>.",
		"Use " + p + "call <room> [code] to join a call.",
		"Use " + p + "status <status> to change your presence.",
		"Use " + p + "help to browse all commands.",
	}
	return art + "\n\n" + strings.Join(info, "\n")
}

func wrapLines(lines []string, width int) []string {
	if width <= 0 {
		return lines
	}
	const minWidth = 10
	if width < minWidth {
		width = minWidth
	}

	wrapped := make([]string, 0, len(lines))
	for _, line := range lines {
		segment := line
		if segment == "" {
			wrapped = append(wrapped, "")
			continue
		}
		for len(segment) > 0 {
			if runewidth.StringWidth(segment) <= width {
				wrapped = append(wrapped, segment)
				break
			}
			cut := wrapCutIndex(segment, width)
			part := strings.TrimRight(segment[:cut], " ")
			if part == "" && cut > 0 {
				part = segment[:cut]
			}
			wrapped = append(wrapped, part)
			segment = strings.TrimLeft(segment[cut:], " ")
		}
	}
	return wrapped
}

func wrapCutIndex(s string, limit int) int {
	var width int
	lastSpace := -1
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if width+rw > limit {
			if lastSpace >= 0 {
				return lastSpace + 1
			}
			if width == 0 {
				return i + len(string(r))
			}
			return i
		}
		width += rw
		if unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	return len(s)
}

type dynamicKeyMap struct {
	keys []key.Binding
}

func (d dynamicKeyMap) ShortHelp() []key.Binding {
	return d.keys
}

func (d dynamicKeyMap) FullHelp() [][]key.Binding {
	if len(d.keys) == 0 {
		return [][]key.Binding{}
	}
	return [][]key.Binding{d.keys}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
