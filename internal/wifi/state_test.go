package wifi

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/piclawhq/piclaw-net/internal/config"
)

type fakeJoiner struct {
	mu       sync.Mutex
	creds    []Credential
	timeouts []time.Duration
	addr     netip.Addr
	err      error
}

func (f *fakeJoiner) Join(ctx context.Context, cred Credential, timeout time.Duration) (netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, cred)
	f.timeouts = append(f.timeouts, timeout)
	if f.err != nil {
		return netip.Addr{}, f.err
	}
	return f.addr, nil
}

func (f *fakeJoiner) lastCred() Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.creds) == 0 {
		return Credential{}
	}
	return f.creds[len(f.creds)-1]
}

type fakeScanner struct {
	networks []Network
	err      error
}

func (f *fakeScanner) Scan(ctx context.Context) ([]Network, error) {
	return f.networks, f.err
}

func testControllerCfg() *config.Settings {
	return &config.Settings{
		Interface:      "wlan0",
		DefaultCountry: "US",
		PostUpService:  "picoclaw.service",
	}
}

func testController(t *testing.T, run *fakeRunner, probe ConnectivityProbe, portal PortalManager, joiner Joiner) *Controller {
	t.Helper()
	marker := NewMarker(filepath.Join(t.TempDir(), "setup-complete"))
	return NewController(testControllerCfg(), run, probe, &fakeScanner{}, portal, joiner, marker)
}

func TestAutoConnectedDeviceSkipsPortal(t *testing.T) {
	run := &fakeRunner{}
	probe := &fakeConnProbe{succeedOn: 1, addr: netip.MustParseAddr("192.168.1.30")}
	portal := &fakePortal{}
	c := testController(t, run, probe, portal, &fakeJoiner{})

	state, err := c.Auto(context.Background())
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if state != StateConnected || c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	if portal.startCount() != 0 {
		t.Error("portal started despite existing connectivity")
	}
	// Connectivity without a marker still counts as set up.
	if !c.Configured() {
		t.Error("marker not recorded for an already-connected device")
	}
	if !run.called("systemctl start picoclaw.service") {
		t.Error("post-connect service not started")
	}
}

func TestAutoStartsPortalWhenOffline(t *testing.T) {
	run := &fakeRunner{}
	portal := &fakePortal{}
	c := testController(t, run, &fakeConnProbe{}, portal, &fakeJoiner{})

	state, err := c.Auto(context.Background())
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if state != StatePortalActive || c.State() != StatePortalActive {
		t.Fatalf("state = %s, want portal-active", c.State())
	}
	if portal.startCount() != 1 {
		t.Fatalf("portal started %d times, want 1", portal.startCount())
	}
	if c.Configured() {
		t.Error("marker set without any connectivity")
	}
	if run.called("systemctl start picoclaw.service") {
		t.Error("post-connect service started while offline")
	}
}

func TestAutoPortalFailureIsFatal(t *testing.T) {
	portal := &fakePortal{startErr: newAPError("hostapd", errors.New("exited during startup"))}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, portal, &fakeJoiner{})

	state, err := c.Auto(context.Background())
	if err == nil {
		t.Fatal("Auto succeeded despite portal failure")
	}
	if !IsAPError(err) {
		t.Fatalf("error = %v, want APError", err)
	}
	if state != StateFailed || c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestConnectSuccess(t *testing.T) {
	run := &fakeRunner{}
	joiner := &fakeJoiner{addr: netip.MustParseAddr("10.1.2.3")}
	c := testController(t, run, &fakeConnProbe{}, &fakePortal{}, joiner)

	addr, err := c.Connect(context.Background(), "HomeWiFi", "correcthorse", "DE", 45*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if addr != netip.MustParseAddr("10.1.2.3") {
		t.Fatalf("address = %s, want 10.1.2.3", addr)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	cred := joiner.lastCred()
	if cred.SSID != "HomeWiFi" || cred.Country != "DE" {
		t.Fatalf("joiner got cred %+v", cred)
	}
	if joiner.timeouts[0] != 45*time.Second {
		t.Fatalf("joiner timeout = %s, want 45s", joiner.timeouts[0])
	}
	if !run.called("systemctl start picoclaw.service") {
		t.Error("post-connect service not started")
	}
}

func TestConnectDefaultsCountry(t *testing.T) {
	joiner := &fakeJoiner{addr: netip.MustParseAddr("10.1.2.3")}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, &fakePortal{}, joiner)

	if _, err := c.Connect(context.Background(), "HomeWiFi", "correcthorse", "", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := joiner.lastCred().Country; got != "US" {
		t.Fatalf("country = %q, want configured default US", got)
	}
}

func TestConnectFailureFallsBackToPortal(t *testing.T) {
	joiner := &fakeJoiner{err: newJoinError(JoinTimeout, errors.New("no connectivity after 20s"))}
	portal := &fakePortal{}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, portal, joiner)

	_, err := c.Connect(context.Background(), "HomeWiFi", "correcthorse", "", 0)
	if kind, ok := JoinKindOf(err); !ok || kind != JoinTimeout {
		t.Fatalf("error = %v, want join timeout", err)
	}
	if c.State() != StatePortalActive {
		t.Fatalf("state = %s, want portal-active after failed join", c.State())
	}
	if portal.startCount() != 1 {
		t.Fatalf("portal started %d times, want 1", portal.startCount())
	}
}

func TestConnectFailureWithBrokenPortalStaysFailed(t *testing.T) {
	joiner := &fakeJoiner{err: newJoinError(JoinAssociationRefused, errors.New("restart failed"))}
	portal := &fakePortal{startErr: errors.New("no ap for you")}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, portal, joiner)

	_, err := c.Connect(context.Background(), "HomeWiFi", "correcthorse", "", 0)
	if kind, ok := JoinKindOf(err); !ok || kind != JoinAssociationRefused {
		t.Fatalf("error = %v, want the join error, not the portal error", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestScanDelegates(t *testing.T) {
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, &fakePortal{}, &fakeJoiner{})
	c.scanner = &fakeScanner{networks: []Network{{SSID: "HomeWiFi", SignalDBm: -52, Signal: 96}}}

	nets, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(nets) != 1 || nets[0].SSID != "HomeWiFi" {
		t.Fatalf("networks = %+v", nets)
	}

	c.scanner = &fakeScanner{err: errors.New("scan failed")}
	if _, err := c.Scan(context.Background()); err == nil {
		t.Fatal("scanner error swallowed")
	}
}

func TestStopParksIdle(t *testing.T) {
	portal := &fakePortal{active: true}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, portal, &fakeJoiner{})

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if portal.stopCount() != 1 {
		t.Fatalf("portal stopped %d times, want 1", portal.stopCount())
	}
	if portal.Active() {
		t.Fatal("portal still active after Stop")
	}
}

func TestStopReportsTeardownErrorButParks(t *testing.T) {
	portal := &fakePortal{active: true, stopErr: newAPError("nat", errors.New("rule vanished"))}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, portal, &fakeJoiner{})

	err := c.Stop(context.Background())
	if err == nil {
		t.Fatal("teardown error swallowed")
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle even after teardown errors", c.State())
	}
}

func TestFreshDeviceLifecycle(t *testing.T) {
	dir := t.TempDir()
	run := &fakeRunner{}
	// One probe drives both the boot check and the post-join poll: the
	// first check (boot) fails, the second (join poll) succeeds.
	probe := &fakeConnProbe{succeedOn: 2, addr: netip.MustParseAddr("192.168.1.40")}
	portal := &fakePortal{}
	marker := NewMarker(filepath.Join(dir, "setup-complete"))
	connector := &Connector{
		run:        run,
		probe:      probe,
		portal:     portal,
		marker:     marker,
		confPath:   filepath.Join(dir, "wpa_supplicant.conf"),
		supplicant: "wpa_supplicant",
		dhcp:       "dhcpcd",
		pollEvery:  time.Millisecond,
		timeout:    100 * time.Millisecond,
	}
	scanner := &fakeScanner{networks: []Network{{SSID: "HomeWiFi", SignalDBm: -52, Signal: 96}}}
	c := NewController(testControllerCfg(), run, probe, scanner, portal, connector, marker)

	if c.Configured() {
		t.Fatal("fresh device reports configured")
	}
	state, err := c.Auto(context.Background())
	if err != nil || state != StatePortalActive {
		t.Fatalf("boot on fresh device: state=%s err=%v, want portal-active", state, err)
	}
	if !portal.Active() {
		t.Fatal("portal not up while waiting for credentials")
	}

	nets, err := c.Scan(context.Background())
	if err != nil || len(nets) == 0 || nets[0].SSID != "HomeWiFi" {
		t.Fatalf("scan from portal: nets=%+v err=%v", nets, err)
	}

	addr, err := c.Connect(context.Background(), "HomeWiFi", "correcthorse", "", 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if addr != netip.MustParseAddr("192.168.1.40") {
		t.Fatalf("address = %s, want 192.168.1.40", addr)
	}
	if portal.Active() {
		t.Fatal("portal still up after successful join")
	}
	if !c.Configured() {
		t.Fatal("marker not set after first successful join")
	}
	if !run.called("systemctl start picoclaw.service") {
		t.Error("post-connect service not started")
	}

	// Next boot: same marker on disk, connectivity already there.
	rebootProbe := &fakeConnProbe{succeedOn: 1, addr: netip.MustParseAddr("192.168.1.40")}
	rebootPortal := &fakePortal{}
	c2 := NewController(testControllerCfg(), run, rebootProbe, &fakeScanner{}, rebootPortal, connector, marker)
	state, err = c2.Auto(context.Background())
	if err != nil || state != StateConnected {
		t.Fatalf("reboot: state=%s err=%v, want connected", state, err)
	}
	if rebootPortal.startCount() != 0 {
		t.Fatal("portal started on an already-configured, connected device")
	}
}

func TestConnectTimeoutRestoresPortal(t *testing.T) {
	dir := t.TempDir()
	run := &fakeRunner{}
	// A wrong passphrase looks like a join that never reaches the network.
	probe := &fakeConnProbe{}
	portal := &fakePortal{}
	marker := NewMarker(filepath.Join(dir, "setup-complete"))
	connector := &Connector{
		run:        run,
		probe:      probe,
		portal:     portal,
		marker:     marker,
		confPath:   filepath.Join(dir, "wpa_supplicant.conf"),
		supplicant: "wpa_supplicant",
		dhcp:       "dhcpcd",
		pollEvery:  time.Millisecond,
		timeout:    50 * time.Millisecond,
	}
	c := NewController(testControllerCfg(), run, probe, &fakeScanner{}, portal, connector, marker)

	if state, err := c.Auto(context.Background()); err != nil || state != StatePortalActive {
		t.Fatalf("Auto: state=%s err=%v, want portal-active", state, err)
	}

	_, err := c.Connect(context.Background(), "HomeWiFi", "wrongpassphrase", "", 0)
	if kind, ok := JoinKindOf(err); !ok || kind != JoinTimeout {
		t.Fatalf("error = %v, want join timeout", err)
	}
	if c.State() != StatePortalActive {
		t.Fatalf("state = %s, want portal-active after failed join", c.State())
	}
	if !portal.Active() {
		t.Fatal("portal not restored after failed join")
	}
	if c.Configured() {
		t.Fatal("marker set by a failed join")
	}
}

type slowJoiner struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
	joins    atomic.Int32
}

func (s *slowJoiner) Join(ctx context.Context, cred Credential, timeout time.Duration) (netip.Addr, error) {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	s.inFlight.Add(-1)
	s.joins.Add(1)
	return netip.MustParseAddr("10.0.0.1"), nil
}

func TestOperationsAreSerialized(t *testing.T) {
	joiner := &slowJoiner{}
	c := testController(t, &fakeRunner{}, &fakeConnProbe{}, &fakePortal{}, joiner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Connect(context.Background(), "HomeWiFi", "correcthorse", "", 0)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Scan(context.Background())
		}()
	}
	wg.Wait()

	if joiner.overlap.Load() {
		t.Fatal("two joins ran concurrently")
	}
	if got := joiner.joins.Load(); got != 8 {
		t.Fatalf("joins completed = %d, want 8", got)
	}
	// State reads must not deadlock against operations.
	_ = c.State()
}
