package ui

import (
	"fmt"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// CallSummaryView renders a finished call as a two column table.
func CallSummaryView(r CallRecord) string {
	s := r.Update.Session
	d := r.Duration()

	status := IconSuccess + " " + ReasonText(r.Update)
	if r.Update.Err != nil {
		status = IconError + " " + ReasonText(r.Update)
	}

	direction := "Incoming"
	if s.IsInitiator {
		direction = "Outgoing"
	}

	t := table.NewWriter()
	t.SetTitle("📊 Call Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Status", status},
		{"Peer", peerName(s)},
		{"Call", fmt.Sprintf("%s %s", direction, s.CallType)},
		{"Duration", utils.FormatTimeDuration(d)},
		{"Sent", fmt.Sprintf("%s (%s)", utils.FormatSize(int64(r.Sent.Bytes)), utils.FormatBitrate(int64(r.Sent.Bytes), d))},
		{"Received", fmt.Sprintf("%s (%s)", utils.FormatSize(int64(r.Received.Bytes)), utils.FormatBitrate(int64(r.Received.Bytes), d))},
	})
	if r.Update.Err != nil {
		t.AppendRow(table.Row{"Error", r.Update.Err.Error()})
	}

	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.Style().Color.Border = text.Colors{text.FgCyan}
	t.Style().Title.Colors = text.Colors{text.FgCyan, text.Bold}
	return t.Render()
}

func RenderCallSummary(r CallRecord) {
	fmt.Fprintln(out, CallSummaryView(r))
}

func peerName(s call.Session) string {
	if s.RemotePeerName != "" && s.RemotePeerName != s.RemotePeerID {
		return fmt.Sprintf("%s (%s)", s.RemotePeerName, s.RemotePeerID)
	}
	return s.RemotePeerID
}
