package wifi

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/executil"
)

// defaultJoinTimeout bounds the connectivity poll when the caller does not
// supply a deadline of its own.
const defaultJoinTimeout = 20 * time.Second

// PortalStopper is the slice of the portal manager a join needs: the
// hotspot has to be out of the way before the client stack can own the
// interface again.
type PortalStopper interface {
	StopPortal(ctx context.Context) error
	Active() bool
}

// Connector joins the device to a real network as a station: it tears down
// the portal, writes the supplicant configuration, bounces the client
// services, and polls until the link is usable or the deadline passes.
type Connector struct {
	run        executil.Runner
	probe      ConnectivityProbe
	portal     PortalStopper
	marker     *Marker
	confPath   string
	supplicant string
	dhcp       string
	pollEvery  time.Duration
	timeout    time.Duration
}

// NewConnector builds a connector from settings.
func NewConnector(cfg *config.Settings, run executil.Runner, probe ConnectivityProbe, portal PortalStopper, marker *Marker) *Connector {
	return &Connector{
		run:        run,
		probe:      probe,
		portal:     portal,
		marker:     marker,
		confPath:   cfg.SupplicantConf,
		supplicant: cfg.SupplicantService,
		dhcp:       cfg.DHCPService,
		pollEvery:  time.Second,
		timeout:    cfg.JoinTimeout,
	}
}

// Join connects to the network described by cred and returns the address
// obtained once connectivity is confirmed. A timeout of zero falls back to
// the configured default. The passphrase is consumed here: it leaves this
// function only as a derived key inside the supplicant configuration and
// is never logged.
func (c *Connector) Join(ctx context.Context, cred Credential, timeout time.Duration) (netip.Addr, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if timeout <= 0 {
		timeout = defaultJoinTimeout
	}
	logger := log.With().Str("ssid", cred.SSID).Logger()

	if c.portal.Active() {
		if err := c.portal.StopPortal(ctx); err != nil {
			logger.Warn().Err(err).Msg("portal teardown before join was incomplete")
		}
	}

	if country := normalizeCountry(cred.Country); country != "" {
		if out, err := c.run.Run(ctx, "iw", "reg", "set", country); err != nil {
			logger.Warn().Err(err).Str("country", country).Bytes("output", out).
				Msgf("%v, continuing with device default", ErrRegDomainUnsupported)
		}
	} else if cred.Country != "" {
		logger.Warn().Str("country", cred.Country).
			Msgf("%v, continuing with device default", ErrRegDomainUnsupported)
	}

	conf, err := supplicantConf(cred)
	if err != nil {
		return netip.Addr{}, newJoinError(JoinConfigWriteFailed, err)
	}
	if err := writeFileAtomic(c.confPath, []byte(conf), 0o600); err != nil {
		return netip.Addr{}, newJoinError(JoinConfigWriteFailed, err)
	}

	logger.Info().Msg("supplicant configuration written, bouncing client stack")
	if out, err := c.run.Run(ctx, "systemctl", "restart", c.supplicant); err != nil {
		return netip.Addr{}, newJoinError(JoinAssociationRefused, fmt.Errorf("restart %s: %w (%s)", c.supplicant, err, out))
	}
	if out, err := c.run.Run(ctx, "systemctl", "restart", c.dhcp); err != nil {
		return netip.Addr{}, newJoinError(JoinAssociationRefused, fmt.Errorf("restart %s: %w (%s)", c.dhcp, err, out))
	}

	addr, err := c.awaitConnectivity(ctx, timeout, logger)
	if err != nil {
		return netip.Addr{}, err
	}

	if err := c.marker.Set(); err != nil {
		// The join itself worked; the flag is only an optimization for
		// the next boot.
		logger.Error().Err(err).Str("path", c.marker.Path()).Msg("writing setup marker failed")
	}
	logger.Info().Str("address", addr.String()).Msg("joined network")
	return addr, nil
}

func (c *Connector) awaitConnectivity(ctx context.Context, timeout time.Duration, logger zerolog.Logger) (netip.Addr, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	every := c.pollEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-dctx.Done():
			if err := ctx.Err(); err != nil {
				return netip.Addr{}, err
			}
			return netip.Addr{}, newJoinError(JoinTimeout, fmt.Errorf("no connectivity after %s", timeout))
		case <-ticker.C:
			if !c.probe.IsConnected(dctx) {
				continue
			}
			addr, err := c.probe.Address(dctx)
			if err != nil {
				logger.Debug().Err(err).Msg("connected but address not readable yet")
				continue
			}
			return addr, nil
		}
	}
}
