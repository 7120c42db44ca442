package peer

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/utils"
	pion "github.com/pion/webrtc/v4"
)

const (
	defaultDisconnectedTimeout = 10 * time.Second
	defaultFailedTimeout       = 30 * time.Second
	defaultKeepAlive           = 2 * time.Second
)

// Config is what a Session needs to reach the other peer.
type Config struct {
	ICEServers         []pion.ICEServer
	ICETransportPolicy pion.ICETransportPolicy

	// IncludeLoopback gathers 127.0.0.1 candidates. Only useful in tests.
	IncludeLoopback bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
}

// DefaultConfig uses a single public STUN server.
func DefaultConfig() Config {
	return Config{
		ICEServers:          []pion.ICEServer{{URLs: []string{config.DefaultSTUNServer}}},
		ICETransportPolicy:  pion.ICETransportPolicyAll,
		DisconnectedTimeout: defaultDisconnectedTimeout,
		FailedTimeout:       defaultFailedTimeout,
		KeepAlive:           defaultKeepAlive,
	}
}

// NewConfig builds the ICE configuration from the application config. TURN is
// forced when asked for, or when a VPN or CGNAT interface makes direct paths
// unlikely and a TURN server is available.
func NewConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	c.ICEServers = nil

	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		c.ICEServers = append(c.ICEServers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		c.ICEServers = append(c.ICEServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	if turnServers != nil && (cfg.ICE.ForceRelay || utils.ShouldForceRelay()) {
		c.ICETransportPolicy = pion.ICETransportPolicyRelay
	}
	return c
}
