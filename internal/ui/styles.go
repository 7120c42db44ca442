package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary    = lipgloss.Color("#22d3ee") // Cyan accent
	Secondary  = lipgloss.Color("#7C3AED") // Violet
	Success    = lipgloss.Color("#10B981") // Emerald
	Warning    = lipgloss.Color("#F59E0B") // Amber
	Error      = lipgloss.Color("#EF4444") // Red
	Muted      = lipgloss.Color("#6B7280") // Gray
	Foreground = lipgloss.Color("#F9FAFB") // Light gray
)

// Text styles
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			MarginBottom(1)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	BoldStyle = lipgloss.NewStyle().
			Bold(true)

	StatusStyle = lipgloss.NewStyle().
			Foreground(Foreground).
			Background(Primary).
			Padding(0, 1).
			Bold(true)

	KeyStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)
)

// Box styles
var (
	CallBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(1, 2)

	RingingBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(Warning).
			Padding(1, 2)

	ErrorBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(Error).
			Padding(1, 2)

	FooterStyle = lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1)
)

var SpinnerStyle = lipgloss.NewStyle().Foreground(Primary)

// Emoji helpers for consistent iconography
const (
	IconSuccess  = "✅"
	IconError    = "❌"
	IconWarning  = "⚠️"
	IconInfo     = "ℹ️"
	IconPeer     = "👤"
	IconConnect  = "🔌"
	IconTime     = "⏱️"
	IconPhone    = "📞"
	IconRinging  = "🔔"
	IconVideo    = "📹"
	IconAudio    = "🎙️"
	IconMuted    = "🔇"
	IconVideoOff = "🚫"
	IconHangup   = "📴"
	IconOffline  = "📡"
)

// StatusBadge renders the call status as a colored label.
func StatusBadge(s call.Session) string {
	style := StatusStyle
	label := s.Status.String()
	switch s.Status {
	case call.StatusRinging:
		style = style.Background(Warning)
	case call.StatusConnected:
		if s.Negotiating {
			label = "connecting"
			style = style.Background(Secondary)
		} else {
			style = style.Background(Success)
		}
	case call.StatusEnded:
		style = style.Background(Muted)
	case call.StatusCalling:
		if s.Negotiating {
			label = "connecting"
			style = style.Background(Secondary)
		}
	}
	return style.Render(label)
}

// CallTypeIcon picks the icon for a call type.
func CallTypeIcon(t call.CallType) string {
	if t.HasVideo() {
		return IconVideo
	}
	return IconAudio
}

// ReasonText describes why a call ended.
func ReasonText(u call.Update) string {
	switch u.Reason {
	case call.ReasonNone:
		return "Call ended"
	case call.ReasonRejected:
		return "Call declined"
	case call.ReasonEnded:
		return "Remote hung up"
	case call.ReasonDevice:
		return "Camera or microphone unavailable"
	case call.ReasonConnectivity:
		return "Connection lost"
	case call.ReasonTimeout:
		if u.Session.IsInitiator {
			return "No answer"
		}
		return "Missed call"
	default:
		return "Call failed"
	}
}

var out io.Writer = os.Stdout

func PrintError(msg string) {
	fmt.Fprintf(out, "%s %s\n", ErrorStyle.Render(IconError), ErrorStyle.Render(msg))
}

func PrintWarning(msg string) {
	fmt.Fprintf(out, "%s %s\n", WarningStyle.Render(IconWarning), WarningStyle.Render(msg))
}

func PrintSuccess(msg string) {
	fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render(IconSuccess), msg)
}

func PrintInfo(msg string) {
	fmt.Fprintf(out, "%s %s\n", IconInfo, msg)
}

func FormatError(err error) string {
	return fmt.Sprintf("%s %s", ErrorStyle.Render(IconError), ErrorStyle.Render(err.Error()))
}
