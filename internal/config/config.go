// Package config provides controller configuration from environment variables.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all controller configuration. The access-point profile
// fields are deployment-time constants: they describe the portal network the
// device announces when it has no connectivity of its own.
type Settings struct {
	// Application metadata
	Version  string `envconfig:"VERSION" default:"0.1.0"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Managed wireless interface. Exactly one; the controller reconfigures
	// it but never creates or destroys it.
	Interface string `envconfig:"INTERFACE" default:"wlan0"`

	// Access point profile
	APSSID     string `envconfig:"AP_SSID" default:"PiClaw Setup"`
	APAddr     string `envconfig:"AP_ADDR" default:"192.168.42.1"`
	APSubnet   string `envconfig:"AP_SUBNET" default:"192.168.42.0/24"`
	APChannel  int    `envconfig:"AP_CHANNEL" default:"6"`
	LeaseStart string `envconfig:"LEASE_START" default:"192.168.42.50"`
	LeaseEnd   string `envconfig:"LEASE_END" default:"192.168.42.150"`
	LeaseTime  string `envconfig:"LEASE_TIME" default:"12h"`

	// PortalPort is where the (external) setup wizard listens; the NAT
	// redirect for TCP 80/443 targets this port while the portal is up.
	PortalPort int `envconfig:"PORTAL_PORT" default:"8080"`

	// Control API server (serve mode). Localhost by default: the wizard is
	// the only consumer and it runs on the device.
	APIHost string `envconfig:"API_HOST" default:"127.0.0.1"`
	APIPort int    `envconfig:"API_PORT" default:"9090"`

	// Client-mode stack
	SupplicantService string `envconfig:"SUPPLICANT_SERVICE" default:"wpa_supplicant"`
	DHCPService       string `envconfig:"DHCP_SERVICE" default:"dhcpcd"`
	SupplicantConf    string `envconfig:"SUPPLICANT_CONF" default:"/etc/wpa_supplicant/wpa_supplicant.conf"`
	DefaultCountry    string `envconfig:"DEFAULT_COUNTRY" default:"US"`

	// Connectivity probe
	ProbeHost    string        `envconfig:"PROBE_HOST" default:"8.8.8.8"`
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT" default:"3s"`

	// Join window: how long a join attempt polls for connectivity before
	// it is classified as timed out.
	JoinTimeout time.Duration `envconfig:"JOIN_TIMEOUT" default:"20s"`

	// Paths
	RunDir     string `envconfig:"RUN_DIR" default:"/run/piclaw-net"`
	MarkerPath string `envconfig:"MARKER_PATH" default:"/opt/piclaw/.setup-complete"`

	// PostUpService is started (best effort) once the device reaches
	// Connected, so the agent runtime comes up as soon as the network does.
	// Empty disables the hook.
	PostUpService string `envconfig:"POST_UP_SERVICE" default:"picoclaw.service"`
}

// ListenAddr returns the address string for the control API to bind to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

var (
	cfg  *Settings
	once sync.Once
)

// Get returns the singleton Settings instance.
func Get() *Settings {
	once.Do(func() {
		cfg = &Settings{}
		if err := envconfig.Process("PICLAW", cfg); err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
	})
	return cfg
}

// Load creates a new Settings instance from environment variables.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process("PICLAW", s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return s, nil
}
