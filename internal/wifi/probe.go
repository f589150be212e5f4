package wifi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/executil"
)

// ConnectivityProbe reports whether the managed interface currently has
// usable client-mode connectivity. Implemented by *Probe; faked in tests.
type ConnectivityProbe interface {
	IsConnected(ctx context.Context) bool
	Address(ctx context.Context) (netip.Addr, error)
}

var errNoAddress = errors.New("no IPv4 address assigned")

// Probe checks the managed interface's address and reachability. It has no
// side effects and every path is bounded by the configured timeout;
// anything that times out reports "not connected" (fail closed: the safe
// answer is "needs setup").
type Probe struct {
	run     executil.Runner
	iface   string
	subnet  netip.Prefix
	host    string
	timeout time.Duration
}

var _ ConnectivityProbe = (*Probe)(nil)

// NewProbe builds a probe for the configured interface.
func NewProbe(s *config.Settings, run executil.Runner) (*Probe, error) {
	subnet, err := netip.ParsePrefix(s.APSubnet)
	if err != nil {
		return nil, fmt.Errorf("ap subnet %q: %w", s.APSubnet, err)
	}
	timeout := s.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Probe{
		run:     run,
		iface:   s.Interface,
		subnet:  subnet,
		host:    s.ProbeHost,
		timeout: timeout,
	}, nil
}

// ipAddrReport mirrors the objects emitted by `ip -j addr show`.
type ipAddrReport []struct {
	AddrInfo []struct {
		Family string `json:"family"`
		Local  string `json:"local"`
	} `json:"addr_info"`
}

// Address returns the interface's current IPv4 address.
func (p *Probe) Address(ctx context.Context) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run.Run(ctx, "ip", "-j", "addr", "show", "dev", p.iface)
	if err != nil {
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
		// Older images ship an iproute2 without JSON output; fall back to
		// the kernel's own view.
		return p.addressFromKernel()
	}

	var report ipAddrReport
	if err := json.Unmarshal(out, &report); err != nil {
		return netip.Addr{}, fmt.Errorf("parse ip addr output: %w", err)
	}
	for _, iface := range report {
		for _, ai := range iface.AddrInfo {
			if ai.Family != "inet" {
				continue
			}
			addr, err := netip.ParseAddr(ai.Local)
			if err != nil {
				continue
			}
			return addr, nil
		}
	}
	return netip.Addr{}, errNoAddress
}

func (p *Probe) addressFromKernel() (netip.Addr, error) {
	iface, err := net.InterfaceByName(p.iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %s: %w", p.iface, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			if addr, err := netip.ParseAddr(v4.String()); err == nil {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, errNoAddress
}

// IsConnected reports whether the interface holds an address outside the
// access-point subnet and the probe host answers. An address inside the AP
// subnet means the device is itself the access point, which is never a
// "connected" state. The address read and the reachability check share one
// timeout budget, so the whole probe is bounded by p.timeout.
func (p *Probe) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addr, err := p.Address(ctx)
	if err != nil {
		log.Debug().Err(err).Str("interface", p.iface).Msg("probe: no usable address")
		return false
	}
	if p.subnet.Contains(addr) {
		log.Debug().Str("address", addr.String()).Msg("probe: address inside AP subnet")
		return false
	}

	deadline := int(p.timeout.Seconds())
	if deadline < 1 {
		deadline = 1
	}
	if _, err := p.run.Run(ctx, "ping", "-c", "1", "-W", strconv.Itoa(deadline), p.host); err != nil {
		log.Debug().Err(err).Str("host", p.host).Msg("probe: reachability check failed")
		return false
	}
	return true
}
