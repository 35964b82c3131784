package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of the session flow.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // login request in flight
	stateFetching         // dashboard requests in flight
	stateRefreshing       // a refresh cycle is running
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the storefront session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	email     string

	// Paths still waiting for a response, in request order.
	pending []string
	// State to return to once a refresh cycle ends.
	resume state

	// Success / error display
	tokenPreview string
	expiresIn    time.Duration
	errMsg       string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session flow messages ────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		return m, nil

	case MsgTokensFound:
		m.addStatus(statusOK, "Found existing session")
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusInfo, "No existing session, logging in")
		return m, nil

	case MsgLoggingIn:
		m.email = msg.Email
		m.state = stateLoggingIn
		return m, nil

	case MsgLoginOK:
		text := "Login successful"
		if msg.User != "" {
			text += " (" + msg.User + ")"
		}
		m.addStatus(statusOK, text)
		m.state = stateInit
		return m, nil

	case MsgLoginFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Login failed: %v", msg.Err))
		return m, nil

	case MsgFetching:
		m.pending = append(m.pending, msg.Path)
		if m.state != stateRefreshing {
			m.state = stateFetching
		}
		return m, nil

	case MsgFetchOK:
		m.donePending(msg.Path)
		m.addStatus(statusOK, fmt.Sprintf("%s: %d item(s)", msg.Path, msg.Count))
		return m, nil

	case MsgFetchFailed:
		m.donePending(msg.Path)
		m.addStatus(statusWarn, fmt.Sprintf("%s failed: %v", msg.Path, msg.Err))
		return m, nil

	case MsgRefreshing:
		if m.state != stateRefreshing {
			m.resume = m.state
		}
		m.state = stateRefreshing
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgRefreshOK:
		m.state = m.resume
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.state = m.resume
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgReAuthRequired:
		m.addStatus(statusWarn, fmt.Sprintf("Session expired (%v), please log in again", msg.Err))
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Logged out")
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.expiresIn = msg.ExpiresIn
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while logging in, fetching, and refreshing.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Storefront Admin  "))
	b.WriteString("\n")
	if m.serverURL != "" {
		b.WriteString(styleDim.Render("  " + m.serverURL))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in as " + styleBold.Render(m.email) + "...\n")

	case stateFetching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Loading dashboard...  ")
		b.WriteString(styleDim.Render(strings.Join(m.pending, ", ")))
		b.WriteString("\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...")
		if len(m.pending) > 0 {
			b.WriteString(styleDim.Render(fmt.Sprintf("  %d request(s) waiting", len(m.pending))))
		}
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the dashboard was loaded.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Session active"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.tokenPreview + "...\n")

	b.WriteString(styleBold.Render("Expires In:   "))
	if m.expiresIn > 0 {
		b.WriteString(formatDuration(m.expiresIn) + "\n")
	} else {
		b.WriteString("unknown\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// donePending drops path from the pending list.
func (m *Model) donePending(path string) {
	if i := slices.Index(m.pending, path); i >= 0 {
		m.pending = slices.Delete(m.pending, i, i+1)
	}
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
