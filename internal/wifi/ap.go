package wifi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/executil"
)

// defaultSettle is how long a freshly started daemon must stay alive
// before the portal considers it healthy.
const defaultSettle = 500 * time.Millisecond

// APManager owns the captive-portal hotspot stack: the static interface
// address, the hostapd and dnsmasq daemons, IP forwarding, and the NAT
// redirect that steers clients to the setup wizard. Bring-up is all or
// nothing: if any step fails, the steps already performed are rolled back
// in reverse order. Teardown stops only what this manager started, by
// handle, and keeps going when individual steps fail.
type APManager struct {
	run        executil.Runner
	start      executil.Starter
	iface      string
	profile    Profile
	runDir     string
	supplicant string
	dhcp       string
	settle     time.Duration

	mu          sync.Mutex
	hostapd     executil.Process
	dnsmasq     executil.Process
	natRules    [][]string
	prevForward string
	active      bool
}

// portalState is the on-disk record of a running portal: daemon PIDs, the
// exact NAT rule specs installed, and the forwarding value to restore. It
// lets a later invocation of this binary adopt and tear down a portal it
// did not start.
type portalState struct {
	HostapdPID int        `json:"hostapd_pid"`
	DnsmasqPID int        `json:"dnsmasq_pid"`
	NATRules   [][]string `json:"nat_rules"`
	Forwarding string     `json:"forwarding"`
}

// NewAPManager builds a portal manager from settings. A portal left
// running by a previous invocation is adopted, so stop and connect work
// across short-lived per-command processes.
func NewAPManager(cfg *config.Settings, run executil.Runner, start executil.Starter) (*APManager, error) {
	profile, err := ProfileFromSettings(cfg)
	if err != nil {
		return nil, err
	}
	m := &APManager{
		run:        run,
		start:      start,
		iface:      cfg.Interface,
		profile:    profile,
		runDir:     cfg.RunDir,
		supplicant: cfg.SupplicantService,
		dhcp:       cfg.DHCPService,
		settle:     defaultSettle,
	}
	m.restoreState()
	return m, nil
}

func (m *APManager) statePath() string {
	return filepath.Join(m.runDir, "portal.state")
}

// restoreState adopts the portal recorded by an earlier invocation, if
// any. A daemon that died in the meantime is logged and skipped; the NAT
// rules and forwarding value are tracked regardless so teardown still
// cleans them up.
func (m *APManager) restoreState() {
	data, err := os.ReadFile(m.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("path", m.statePath()).Msg("portal state unreadable")
		return
	}
	var st portalState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn().Err(err).Str("path", m.statePath()).Msg("portal state corrupt, discarding")
		_ = os.Remove(m.statePath())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, err := m.start.Adopt("hostapd", st.HostapdPID); err == nil {
		m.hostapd = p
	} else {
		log.Warn().Err(err).Msg("recorded hostapd no longer running")
	}
	if p, err := m.start.Adopt("dnsmasq", st.DnsmasqPID); err == nil {
		m.dnsmasq = p
	} else {
		log.Warn().Err(err).Msg("recorded dnsmasq no longer running")
	}
	m.natRules = st.NATRules
	m.prevForward = st.Forwarding
	m.active = true
	log.Info().
		Int("hostapd_pid", st.HostapdPID).
		Int("dnsmasq_pid", st.DnsmasqPID).
		Msg("adopted portal from previous invocation")
}

// Active reports whether the portal stack is currently up.
func (m *APManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartPortal brings the hotspot up. Starting an already active portal is
// a no-op. On failure the error names the step that failed and everything
// done so far has been undone.
func (m *APManager) StartPortal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		log.Debug().Msg("portal already active")
		return nil
	}

	var undo []func()
	fail := func(step string, err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return newAPError(step, err)
	}

	// The client stack owns the interface while we are a station. Stop it
	// so hostapd can take over. Losing this race is survivable, so
	// failures here only warn.
	for _, svc := range []string{m.supplicant, m.dhcp} {
		if out, err := m.run.Run(ctx, "systemctl", "stop", svc); err != nil {
			log.Warn().Err(err).Str("service", svc).Bytes("output", out).Msg("stopping client service failed")
		}
	}

	if _, err := m.run.Run(ctx, "ip", "addr", "flush", "dev", m.iface); err != nil {
		return fail("interface", err)
	}
	if _, err := m.run.Run(ctx, "ip", "link", "set", m.iface, "up"); err != nil {
		return fail("interface", err)
	}
	cidr := fmt.Sprintf("%s/%d", m.profile.Addr, m.profile.Subnet.Bits())
	if _, err := m.run.Run(ctx, "ip", "addr", "add", cidr, "dev", m.iface); err != nil {
		return fail("interface", err)
	}
	undo = append(undo, func() {
		if _, err := m.run.Run(ctx, "ip", "addr", "flush", "dev", m.iface); err != nil {
			log.Warn().Err(err).Msg("rollback: flushing interface address failed")
		}
	})

	if err := os.MkdirAll(m.runDir, 0o755); err != nil {
		return fail("hostapd", err)
	}
	hostapdPath := filepath.Join(m.runDir, "hostapd.conf")
	if err := writeFileAtomic(hostapdPath, []byte(hostapdConf(m.iface, m.profile)), 0o644); err != nil {
		return fail("hostapd", err)
	}
	hostapd, err := m.start.Start("hostapd", hostapdPath)
	if err != nil {
		return fail("hostapd", err)
	}
	undo = append(undo, func() {
		if err := hostapd.Stop(); err != nil {
			log.Warn().Err(err).Msg("rollback: stopping hostapd failed")
		}
	})
	if err := m.awaitSettle(ctx, hostapd); err != nil {
		return fail("hostapd", err)
	}

	dnsmasqPath := filepath.Join(m.runDir, "dnsmasq.conf")
	if err := writeFileAtomic(dnsmasqPath, []byte(dnsmasqConf(m.iface, m.profile)), 0o644); err != nil {
		return fail("dnsmasq", err)
	}
	dnsmasq, err := m.start.Start("dnsmasq", "--conf-file="+dnsmasqPath, "--keep-in-foreground")
	if err != nil {
		return fail("dnsmasq", err)
	}
	undo = append(undo, func() {
		if err := dnsmasq.Stop(); err != nil {
			log.Warn().Err(err).Msg("rollback: stopping dnsmasq failed")
		}
	})
	if err := m.awaitSettle(ctx, dnsmasq); err != nil {
		return fail("dnsmasq", err)
	}

	// Remember the forwarding value we found so teardown restores it
	// instead of assuming it was off.
	prevForward := "0"
	if out, err := m.run.Run(ctx, "sysctl", "-n", "net.ipv4.ip_forward"); err == nil {
		if v := strings.TrimSpace(string(out)); v != "" {
			prevForward = v
		}
	}
	if _, err := m.run.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fail("forwarding", err)
	}
	undo = append(undo, func() {
		if _, err := m.run.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward="+prevForward); err != nil {
			log.Warn().Err(err).Msg("rollback: restoring forwarding failed")
		}
	})

	var rules [][]string
	for _, port := range []int{80, 443} {
		rule := []string{
			"-i", m.iface, "-p", "tcp",
			"--dport", strconv.Itoa(port),
			"-j", "REDIRECT", "--to-port", strconv.Itoa(m.profile.PortalPort),
		}
		if _, err := m.run.Run(ctx, "iptables", natArgs("-A", rule)...); err != nil {
			return fail("nat", err)
		}
		rules = append(rules, rule)
		undo = append(undo, func() {
			if _, err := m.run.Run(ctx, "iptables", natArgs("-D", rule)...); err != nil {
				log.Warn().Err(err).Msg("rollback: removing nat rule failed")
			}
		})
	}

	st := portalState{
		HostapdPID: hostapd.Pid(),
		DnsmasqPID: dnsmasq.Pid(),
		NATRules:   rules,
		Forwarding: prevForward,
	}
	data, err := json.Marshal(st)
	if err == nil {
		err = writeFileAtomic(m.statePath(), data, 0o600)
	}
	if err != nil {
		// Without the record a later invocation cannot tear this portal
		// down, so treat it like any other failed bring-up step.
		return fail("state", err)
	}

	m.hostapd = hostapd
	m.dnsmasq = dnsmasq
	m.natRules = rules
	m.prevForward = prevForward
	m.active = true
	log.Info().
		Str("ssid", m.profile.SSID).
		Str("address", cidr).
		Int("portal_port", m.profile.PortalPort).
		Msg("captive portal up")
	return nil
}

// StopPortal tears the hotspot down. It only touches resources this
// manager is tracking, so calling it when nothing is running is a no-op.
// Individual teardown failures are logged and the remaining steps still
// run; the first failure is reported.
func (m *APManager) StopPortal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked(ctx)
}

func (m *APManager) teardownLocked(ctx context.Context) error {
	if !m.active {
		return nil
	}

	var firstErr error
	keep := func(step string, err error) {
		log.Warn().Err(err).Str("step", step).Msg("portal teardown step failed")
		if firstErr == nil {
			firstErr = newAPError(step, err)
		}
	}

	for _, rule := range m.natRules {
		if _, err := m.run.Run(ctx, "iptables", natArgs("-D", rule)...); err != nil {
			keep("nat", err)
		}
	}
	m.natRules = nil

	forward := m.prevForward
	if forward == "" {
		forward = "0"
	}
	if _, err := m.run.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward="+forward); err != nil {
		keep("forwarding", err)
	}
	m.prevForward = ""

	if m.dnsmasq != nil {
		if err := m.dnsmasq.Stop(); err != nil {
			keep("dnsmasq", err)
		}
		m.dnsmasq = nil
	}
	if m.hostapd != nil {
		if err := m.hostapd.Stop(); err != nil {
			keep("hostapd", err)
		}
		m.hostapd = nil
	}

	if _, err := m.run.Run(ctx, "ip", "addr", "flush", "dev", m.iface); err != nil {
		keep("interface", err)
	}

	if err := os.Remove(m.statePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		keep("state", err)
	}

	m.active = false
	log.Info().Msg("captive portal down")
	return firstErr
}

// awaitSettle gives a daemon a short window to crash on startup, which is
// how hostapd and dnsmasq report bad configuration.
func (m *APManager) awaitSettle(ctx context.Context, p executil.Process) error {
	settle := m.settle
	if settle <= 0 {
		settle = defaultSettle
	}
	select {
	case <-p.Done():
		return fmt.Errorf("%s exited during startup", p.Name())
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
		return nil
	}
}

// natArgs expands a stored rule spec into full iptables arguments. Rules
// are removed with the exact spec they were added with, so rules installed
// by anything else on the box are left alone.
func natArgs(action string, rule []string) []string {
	args := []string{"-t", "nat", action, "PREROUTING"}
	return append(args, rule...)
}
