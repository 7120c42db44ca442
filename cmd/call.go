package cmd

import (
	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagVideo    bool
	flagPeerName string
)

var callCmd = &cobra.Command{
	Use:     "call <user-id>",
	Aliases: []string{"c"},
	Short:   "Call another user",
	Long: `Ring another user on the relay and start an audio call, or a video call
with --video. The call screen takes over the terminal until the call ends.

Examples:
  warpcall call bob
  warpcall call bob --video --peer-name "Bob"
  warpcall call bob --relay --turn turn:turn.example.com:3478`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return placeCall(cmd, args[0])
	},
}

func init() {
	callCmd.Flags().BoolVar(&flagVideo, "video", false, "Start a video call instead of audio only")
	callCmd.Flags().StringVar(&flagPeerName, "peer-name", "", "Name to show for the person you call")
}

func placeCall(cmd *cobra.Command, target string) error {
	ctx := cmd.Context()

	session, err := NewCallSession(ctx, globalOptions(), true)
	if err != nil {
		return err
	}
	defer session.Close()

	callType := call.Audio
	if flagVideo {
		callType = call.Video
	}
	if err := session.Manager.StartCall(ctx, target, flagPeerName, callType); err != nil {
		return call.NewError("start call", err)
	}

	records, err := ui.RunCallView(ctx, session.Manager, ui.CallViewOptions{
		Mode: ui.ModeCall,
		Self: session.Config.UserID,
	})
	if err != nil {
		return err
	}
	report(records)

	if n := len(records); n > 0 && records[n-1].Update.Err != nil {
		return records[n-1].Update.Err
	}
	return nil
}
