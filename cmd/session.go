package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/media/capture"
	"github.com/BioHazard786/warpcall/internal/peer"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/ui"
)

const connectWait = 15 * time.Second

// CallSession wires one relay connection, capture source and call manager
// for the lifetime of a command.
type CallSession struct {
	Config  *config.Config
	Client  *signaling.Client
	Manager *call.Manager

	cancel context.CancelFunc
	done   chan struct{}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, call.NewError("load config", err)
	}
	return cfg, nil
}

// NewCallSession connects to the relay and starts the call manager. With
// requireRelay the first connection must succeed within connectWait;
// otherwise the session starts offline and keeps reconnecting.
func NewCallSession(ctx context.Context, opts config.Options, requireRelay bool) (*CallSession, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := logging.Init(cfg.Logging.Level)

	client := signaling.NewClient(cfg.Server, cfg.UserID,
		signaling.WithReconnectDelay(cfg.Signaling.ReconnectDelay),
		signaling.WithLogger(logger))

	if err := connect(ctx, client, cfg, requireRelay); err != nil {
		client.Close()
		return nil, err
	}

	source := capture.New(media.Constraints{
		Width:     cfg.Media.Width,
		Height:    cfg.Media.Height,
		FrameRate: cfg.Media.FrameRate,
	}, capture.WithLogger(logger))

	manager := call.NewManager(client, source, call.NewPeerFactory(peer.NewConfig(cfg), logger),
		call.WithLogger(logger),
		call.WithDisplayName(cfg.DisplayName),
		call.WithRingTimeout(cfg.Call.RingTimeout),
		call.WithNegotiationTimeout(cfg.Call.NegotiationTimeout),
	)

	runCtx, cancel := context.WithCancel(ctx)
	s := &CallSession{
		Config:  cfg,
		Client:  client,
		Manager: manager,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := manager.Run(runCtx); err != nil {
			slog.Error("call manager stopped", "error", err)
		}
	}()
	return s, nil
}

func connect(ctx context.Context, client *signaling.Client, cfg *config.Config, requireRelay bool) error {
	sp := ui.NewConnectionSpinner(fmt.Sprintf("Connecting to %s as %s...", cfg.Server, cfg.UserID))
	sp.Start()

	err := client.Connect(ctx)
	if err == nil {
		sp.Success("Connected to relay")
		return nil
	}
	if !requireRelay {
		sp.Stop()
		ui.PrintWarning("Relay unreachable, retrying in the background")
		return nil
	}

	// The client keeps re-dialing on its own; wait for one of those attempts.
	deadline := time.NewTimer(connectWait)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			sp.Stop()
			return ctx.Err()
		case <-deadline.C:
			sp.Error("Could not reach the relay")
			return call.WrapError("connect to relay", call.ErrSignalingUnavailable, err.Error())
		case <-poll.C:
			if client.IsConnected() {
				sp.Success("Connected to relay")
				return nil
			}
			sp.UpdateMessage(fmt.Sprintf("Connecting to %s (attempt %d)...", cfg.Server, client.Dials()+1))
		}
	}
}

// Close hangs up any live call, stops the manager and disconnects.
func (s *CallSession) Close() {
	s.cancel()
	<-s.done
	s.Client.Close()
}

// report prints a summary of every finished call.
func report(records []ui.CallRecord) {
	for _, r := range records {
		fmt.Println()
		ui.RenderCallSummary(r)
	}
}
