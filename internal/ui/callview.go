package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/utils"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const statsInterval = time.Second

// Controller is the part of the call manager the call screen drives.
// *call.Manager implements it.
type Controller interface {
	Session() call.Session
	Muted() bool
	VideoOff() bool
	SignalingConnected() bool
	LocalStream() *media.Stream
	RemoteStream() *media.Stream
	Updates() <-chan call.Update

	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
}

// ViewMode says what the screen does once a call ends.
type ViewMode int

const (
	// ModeCall quits after the first call ends.
	ModeCall ViewMode = iota
	// ModeListen keeps waiting for the next incoming call.
	ModeListen
)

type CallViewOptions struct {
	Mode       ViewMode
	Self       string
	AutoAccept bool
}

// CallRecord is what the screen remembers of a finished call.
type CallRecord struct {
	Update   call.Update
	Sent     media.Stats
	Received media.Stats
	EndedAt  time.Time
}

// Duration is the connected time of the call, zero if it never connected.
func (r CallRecord) Duration() time.Duration {
	if r.Update.Session.ConnectedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.Update.Session.ConnectedAt)
}

type updateMsg call.Update

type updatesClosedMsg struct{}

type tickMsg time.Time

type actionMsg struct {
	action string
	err    error
}

// CallView is the interactive call screen.
type CallView struct {
	ctx  context.Context
	ctrl Controller
	opts CallViewOptions

	spinner  spinner.Model
	sent     media.Stats
	recv     media.Stats
	history  []CallRecord
	accepted string
	notice   string
	quitting bool
}

func NewCallView(ctx context.Context, ctrl Controller, opts CallViewOptions) *CallView {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &CallView{ctx: ctx, ctrl: ctrl, opts: opts, spinner: s}
}

// History returns the calls that ended while the screen was up.
func (v *CallView) History() []CallRecord {
	return v.history
}

func (v *CallView) Init() tea.Cmd {
	return tea.Batch(v.spinner.Tick, v.waitForUpdate(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(statsInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (v *CallView) waitForUpdate() tea.Cmd {
	updates := v.ctrl.Updates()
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg(u)
	}
}

func (v *CallView) run(action string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: action, err: fn(v.ctx)}
	}
}

func (v *CallView) toggle(action string, fn func(context.Context) (bool, error)) tea.Cmd {
	return v.run(action, func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	})
}

func (v *CallView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return v, v.handleKey(msg.String())

	case updateMsg:
		return v, v.handleUpdate(call.Update(msg))

	case updatesClosedMsg:
		v.quitting = true
		return v, tea.Quit

	case actionMsg:
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			v.notice = FormatError(fmt.Errorf("%s: %w", msg.action, msg.err))
		}
		return v, nil

	case tickMsg:
		v.sampleStats()
		if v.quitting {
			return v, nil
		}
		return v, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(msg)
		return v, cmd
	}
	return v, nil
}

func (v *CallView) handleKey(key string) tea.Cmd {
	s := v.ctrl.Session()
	switch key {
	case "a":
		if s.Status == call.StatusRinging {
			v.notice = ""
			return v.run("accept", v.ctrl.AcceptCall)
		}
	case "r":
		if s.Status == call.StatusRinging {
			return v.run("reject", v.ctrl.RejectCall)
		}
	case "h":
		if s.Active() {
			return v.run("hang up", v.ctrl.EndCall)
		}
	case "m":
		if s.Active() {
			return v.toggle("mute", v.ctrl.ToggleMute)
		}
	case "v":
		if s.Active() && s.CallType.HasVideo() {
			return v.toggle("video", v.ctrl.ToggleVideo)
		}
	case "q", "ctrl+c":
		v.quitting = true
		if s.Active() {
			return tea.Sequence(v.run("hang up", v.ctrl.EndCall), tea.Quit)
		}
		return tea.Quit
	}
	return nil
}

func (v *CallView) handleUpdate(u call.Update) tea.Cmd {
	next := v.waitForUpdate()

	if u.Ended() {
		v.sampleStats()
		v.history = append(v.history, CallRecord{Update: u, Sent: v.sent, Received: v.recv, EndedAt: time.Now()})
		v.sent, v.recv = media.Stats{}, media.Stats{}

		v.notice = fmt.Sprintf("%s %s", IconHangup, ReasonText(u))
		if u.Err != nil {
			v.notice += "\n" + FormatError(u.Err)
		}
		if v.opts.Mode == ModeCall {
			v.quitting = true
			return tea.Quit
		}
		return next
	}

	if u.Err != nil {
		v.notice = FormatError(u.Err)
	}

	if u.Session.Status == call.StatusRinging && v.opts.AutoAccept && u.Session.CallID != v.accepted {
		v.accepted = u.Session.CallID
		return tea.Batch(next, v.run("accept", v.ctrl.AcceptCall))
	}
	return next
}

// sampleStats keeps the last counters seen so they survive the streams
// being released at hangup.
func (v *CallView) sampleStats() {
	if local := v.ctrl.LocalStream(); local != nil {
		v.sent = local.Stats()
	}
	if remote := v.ctrl.RemoteStream(); remote != nil {
		v.recv = remote.Stats()
	}
}

func (v *CallView) View() string {
	if v.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(v.header())
	b.WriteString("\n\n")

	s := v.ctrl.Session()
	switch s.Status {
	case call.StatusIdle, call.StatusEnded:
		if v.opts.Mode == ModeListen {
			fmt.Fprintf(&b, "%s Waiting for calls as %s\n", v.spinner.View(), BoldStyle.Render(v.opts.Self))
		}
	case call.StatusCalling:
		verb := "Calling"
		if s.Negotiating {
			verb = "Connecting to"
		}
		fmt.Fprintf(&b, "%s %s %s %s\n", v.spinner.View(), CallTypeIcon(s.CallType), verb, peerLabel(s))
	case call.StatusRinging:
		b.WriteString(RingingBoxStyle.Render(fmt.Sprintf("%s Incoming %s call\n\n%s %s",
			IconRinging, s.CallType, IconPeer, peerLabel(s))))
		b.WriteString("\n")
	case call.StatusConnected:
		b.WriteString(CallBoxStyle.Render(v.connectedBody(s)))
		b.WriteString("\n")
	}

	if v.notice != "" {
		b.WriteString("\n" + v.notice + "\n")
	}
	b.WriteString(FooterStyle.Render(v.keyHelp(s)))
	return b.String()
}

func (v *CallView) header() string {
	relay := SuccessStyle.Render(IconConnect + " online")
	if !v.ctrl.SignalingConnected() {
		relay = WarningStyle.Render(IconOffline + " reconnecting")
	}
	return fmt.Sprintf("%s %s  %s  %s", IconPhone, TitleStyle.UnsetMarginBottom().Render("WarpCall"),
		MutedStyle.Render(v.opts.Self), relay)
}

func (v *CallView) connectedBody(s call.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s\n", CallTypeIcon(s.CallType), peerLabel(s), StatusBadge(s))

	if s.Negotiating {
		fmt.Fprintf(&b, "\n%s Negotiating media path", v.spinner.View())
		return b.String()
	}

	elapsed := time.Since(s.ConnectedAt)
	fmt.Fprintf(&b, "\n%s %s", IconTime, utils.FormatClock(elapsed))
	fmt.Fprintf(&b, "\n↑ %s  ↓ %s",
		utils.FormatBitrate(int64(v.sent.Bytes), elapsed),
		utils.FormatBitrate(int64(v.recv.Bytes), elapsed))

	var flags []string
	if v.ctrl.Muted() {
		flags = append(flags, IconMuted+" muted")
	}
	if s.CallType.HasVideo() && v.ctrl.VideoOff() {
		flags = append(flags, IconVideoOff+" camera off")
	}
	if len(flags) > 0 {
		b.WriteString("\n" + WarningStyle.Render(strings.Join(flags, "  ")))
	}
	return b.String()
}

func (v *CallView) keyHelp(s call.Session) string {
	var keys []string
	add := func(k, label string) {
		keys = append(keys, KeyStyle.Render(k)+" "+label)
	}

	switch {
	case s.Status == call.StatusRinging:
		add("a", "accept")
		add("r", "reject")
	case s.Active():
		add("h", "hang up")
		add("m", "mute")
		if s.CallType.HasVideo() {
			add("v", "video")
		}
	}
	add("q", "quit")
	return strings.Join(keys, "  ")
}

func peerLabel(s call.Session) string {
	if s.RemotePeerName != "" && s.RemotePeerName != s.RemotePeerID {
		return fmt.Sprintf("%s (%s)", BoldStyle.Render(s.RemotePeerName), s.RemotePeerID)
	}
	return BoldStyle.Render(s.RemotePeerID)
}

// RunCallView shows the call screen until the call ends (ModeCall), the user
// quits or ctx is done.
func RunCallView(ctx context.Context, ctrl Controller, opts CallViewOptions) ([]CallRecord, error) {
	view := NewCallView(ctx, ctrl, opts)
	p := tea.NewProgram(view, tea.WithContext(ctx))

	final, err := p.Run()
	if cv, ok := final.(*CallView); ok {
		view = cv
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	return view.History(), err
}
