// Package wifi implements the captive-portal bring-up controller for the
// device's single managed wireless interface: probing connectivity,
// scanning for networks, running the setup access point, joining a target
// network, and the state machine that ties those together.
package wifi

import (
	"fmt"
	"net/netip"

	"github.com/piclawhq/piclaw-net/internal/config"
)

// Profile describes the setup access point. It is immutable and comes from
// deployment-time configuration.
type Profile struct {
	SSID       string
	Addr       netip.Addr
	Subnet     netip.Prefix
	Channel    int
	LeaseStart netip.Addr
	LeaseEnd   netip.Addr
	LeaseTime  string
	PortalPort int
}

// ProfileFromSettings parses and validates the access-point profile.
func ProfileFromSettings(s *config.Settings) (Profile, error) {
	var p Profile

	addr, err := netip.ParseAddr(s.APAddr)
	if err != nil {
		return p, fmt.Errorf("ap address %q: %w", s.APAddr, err)
	}
	subnet, err := netip.ParsePrefix(s.APSubnet)
	if err != nil {
		return p, fmt.Errorf("ap subnet %q: %w", s.APSubnet, err)
	}
	if !subnet.Contains(addr) {
		return p, fmt.Errorf("ap address %s not inside subnet %s", addr, subnet)
	}
	leaseStart, err := netip.ParseAddr(s.LeaseStart)
	if err != nil {
		return p, fmt.Errorf("lease start %q: %w", s.LeaseStart, err)
	}
	leaseEnd, err := netip.ParseAddr(s.LeaseEnd)
	if err != nil {
		return p, fmt.Errorf("lease end %q: %w", s.LeaseEnd, err)
	}
	if !subnet.Contains(leaseStart) || !subnet.Contains(leaseEnd) {
		return p, fmt.Errorf("lease range %s-%s not inside subnet %s", leaseStart, leaseEnd, subnet)
	}
	if s.APSSID == "" {
		return p, fmt.Errorf("ap ssid is empty")
	}
	if s.PortalPort <= 0 || s.PortalPort > 65535 {
		return p, fmt.Errorf("portal port %d out of range", s.PortalPort)
	}

	p = Profile{
		SSID:       s.APSSID,
		Addr:       addr,
		Subnet:     subnet,
		Channel:    s.APChannel,
		LeaseStart: leaseStart,
		LeaseEnd:   leaseEnd,
		LeaseTime:  s.LeaseTime,
		PortalPort: s.PortalPort,
	}
	if p.Channel <= 0 {
		p.Channel = 6
	}
	return p, nil
}

// Credential is a target network submitted by the setup wizard. The
// passphrase is an opaque secret: it is never logged and survives only as
// the derived PSK inside the supplicant configuration, which is
// overwritten on every join attempt.
type Credential struct {
	SSID       string
	Passphrase string
	Country    string
}

// Open reports whether the credential targets an unencrypted network.
func (c Credential) Open() bool { return c.Passphrase == "" }
