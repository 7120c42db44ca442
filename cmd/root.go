package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/version"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagServer   string
	flagUser     string
	flagName     string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpcall",
	Short: "Peer-to-peer audio and video calls from the terminal using WebRTC",
	Long: `WarpCall places one-to-one audio and video calls directly between two
devices using WebRTC. A small relay server only introduces the peers and
carries the session setup; media flows peer to peer once the call connects.`,
	Version: version.Version,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flagConfig, "config", "", "Config file (default $XDG_CONFIG_HOME/warpcall/config.yaml)")
	f.StringVar(&flagServer, "server", "", "Relay websocket URL (ws:// or wss://)")
	f.StringVarP(&flagUser, "user", "u", "", "Your user ID on the relay")
	f.StringVar(&flagName, "name", "", "Display name shown to the people you call")
	f.StringVar(&flagSTUN, "stun", "", "Custom STUN server URL")
	f.StringVar(&flagTURN, "turn", "", "TURN server URL")
	f.StringVar(&flagTURNUser, "turn-user", "", "TURN server username")
	f.StringVar(&flagTURNPass, "turn-pass", "", "TURN server password")
	f.BoolVar(&flagRelay, "relay", false, "Force all media through the TURN relay")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(callCmd, listenCmd)
}

func globalOptions() config.Options {
	return config.Options{
		ConfigPath:  flagConfig,
		Server:      flagServer,
		UserID:      flagUser,
		DisplayName: flagName,
		STUNServer:  flagSTUN,
		TURNServer:  flagTURN,
		TURNUser:    flagTURNUser,
		TURNPass:    flagTURNPass,
		ForceRelay:  flagRelay,
		LogLevel:    flagLogLevel,
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
