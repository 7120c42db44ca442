package cmd

import (
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/spf13/cobra"
)

var flagAutoAccept bool

var listenCmd = &cobra.Command{
	Use:     "listen",
	Aliases: []string{"l"},
	Short:   "Wait for incoming calls",
	Long: `Stay online on the relay and answer incoming calls. Press a to accept or
r to reject a ringing call. Calls that arrive while you are on another call are
declined automatically.

Examples:
  warpcall listen --user alice
  warpcall listen --auto-accept`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listen(cmd)
	},
}

func init() {
	listenCmd.Flags().BoolVar(&flagAutoAccept, "auto-accept", false, "Answer incoming calls without asking")
}

func listen(cmd *cobra.Command) error {
	ctx := cmd.Context()

	session, err := NewCallSession(ctx, globalOptions(), false)
	if err != nil {
		return err
	}
	defer session.Close()

	records, err := ui.RunCallView(ctx, session.Manager, ui.CallViewOptions{
		Mode:       ui.ModeListen,
		Self:       session.Config.UserID,
		AutoAccept: flagAutoAccept,
	})
	if err != nil {
		return err
	}
	report(records)
	return nil
}
