package wifi

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/executil"
)

// State is the controller's lifecycle position.
type State int

const (
	StateInit State = iota
	StateChecking
	StatePortalActive
	StateConnecting
	StateConnected
	StateFailed
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateChecking:
		return "checking-connectivity"
	case StatePortalActive:
		return "portal-active"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// PortalManager is what the controller needs from the hotspot stack.
type PortalManager interface {
	StartPortal(ctx context.Context) error
	StopPortal(ctx context.Context) error
	Active() bool
}

// Joiner is what the controller needs from the station-mode path.
type Joiner interface {
	Join(ctx context.Context, cred Credential, timeout time.Duration) (netip.Addr, error)
}

// Controller drives the bring-up lifecycle. Operations that change state
// are serialized: a scan cannot race a join for the radio, and two
// connects cannot interleave their service restarts. Reading the current
// state never blocks behind a running operation.
type Controller struct {
	opMu sync.Mutex

	mu    sync.RWMutex
	state State

	iface          string
	probe          ConnectivityProbe
	scanner        NetworkScanner
	portal         PortalManager
	joiner         Joiner
	marker         *Marker
	run            executil.Runner
	defaultCountry string
	postUp         string
}

// NewController wires the lifecycle controller from settings and the
// already-constructed collaborators.
func NewController(cfg *config.Settings, run executil.Runner, probe ConnectivityProbe, scanner NetworkScanner, portal PortalManager, joiner Joiner, marker *Marker) *Controller {
	return &Controller{
		state:          StateInit,
		iface:          cfg.Interface,
		probe:          probe,
		scanner:        scanner,
		portal:         portal,
		joiner:         joiner,
		marker:         marker,
		run:            run,
		defaultCountry: cfg.DefaultCountry,
		postUp:         cfg.PostUpService,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Configured reports whether this device has completed setup at least once.
func (c *Controller) Configured() bool {
	return c.marker.IsSet()
}

// Interface returns the managed wireless interface name.
func (c *Controller) Interface() string {
	return c.iface
}

// Address reports the interface's current address, if any.
func (c *Controller) Address(ctx context.Context) (netip.Addr, error) {
	return c.probe.Address(ctx)
}

// Auto is the boot entry point: if the device already has connectivity it
// settles in connected, otherwise it stands up the captive portal so the
// user can provide credentials. A portal bring-up failure is fatal; there
// is no way to receive credentials without it.
func (c *Controller) Auto(ctx context.Context) (State, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.transition(StateChecking)
	if c.probe.IsConnected(ctx) {
		if !c.marker.IsSet() {
			// Connectivity without a recorded join means the device was
			// set up by other means, a wired uplink or a preprovisioned
			// supplicant configuration. Record it so later boots skip
			// the portal when the link flaps.
			if err := c.marker.Set(); err != nil {
				log.Error().Err(err).Str("path", c.marker.Path()).Msg("writing setup marker failed")
			}
		}
		c.transition(StateConnected)
		c.startPostUp(ctx)
		return StateConnected, nil
	}

	log.Info().Str("interface", c.iface).Msg("no connectivity, starting captive portal")
	if err := c.portal.StartPortal(ctx); err != nil {
		c.transition(StateFailed)
		return StateFailed, err
	}
	c.transition(StatePortalActive)
	return StatePortalActive, nil
}

// Connect joins the given network. On failure the portal is brought back
// so the user can retry, and the join error is returned either way.
func (c *Controller) Connect(ctx context.Context, ssid, passphrase, country string, timeout time.Duration) (netip.Addr, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if country == "" {
		country = c.defaultCountry
	}
	cred := Credential{SSID: ssid, Passphrase: passphrase, Country: country}

	c.transition(StateConnecting)
	addr, err := c.joiner.Join(ctx, cred, timeout)
	if err != nil {
		c.transition(StateFailed)
		if perr := c.portal.StartPortal(ctx); perr != nil {
			log.Error().Err(perr).Msg("portal re-entry after failed join failed")
		} else {
			c.transition(StatePortalActive)
		}
		return netip.Addr{}, err
	}

	c.transition(StateConnected)
	c.startPostUp(ctx)
	return addr, nil
}

// Scan lists nearby networks. It shares the operation lock so a scan never
// races a join or portal transition for the radio.
func (c *Controller) Scan(ctx context.Context) ([]Network, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.scanner.Scan(ctx)
}

// Stop tears the portal down, if one is up, and parks the controller. The
// device ends up idle even when teardown steps fail.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.portal.StopPortal(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("portal teardown finished with errors")
	}
	c.transition(StateIdle)
	return err
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		log.Info().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
	}
}

func (c *Controller) startPostUp(ctx context.Context) {
	if c.postUp == "" {
		return
	}
	if out, err := c.run.Run(ctx, "systemctl", "start", c.postUp); err != nil {
		log.Warn().Err(err).Str("unit", c.postUp).Bytes("output", out).Msg("post-connect service start failed")
	}
}
