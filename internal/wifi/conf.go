package wifi

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// hostapdConf renders the radio daemon configuration for the setup access
// point. The setup network is open; credentials are collected inside the
// portal, not at the radio layer.
func hostapdConf(iface string, p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", p.SSID)
	b.WriteString("hw_mode=g\n")
	fmt.Fprintf(&b, "channel=%d\n", p.Channel)
	b.WriteString("auth_algs=1\n")
	b.WriteString("ignore_broadcast_ssid=0\n")
	b.WriteString("ieee80211n=1\n")
	b.WriteString("wmm_enabled=1\n")
	return b.String()
}

// dnsmasqConf renders the DHCP+DNS responder configuration for the portal
// subnet. The address=/#/ rule answers every DNS name with the portal
// host, so captive-portal detection lands on the wizard.
func dnsmasqConf(iface string, p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("bind-interfaces\n")
	b.WriteString("no-resolv\n")
	b.WriteString("no-hosts\n")
	fmt.Fprintf(&b, "dhcp-range=%s,%s,%s\n", p.LeaseStart, p.LeaseEnd, p.LeaseTime)
	fmt.Fprintf(&b, "dhcp-option=option:router,%s\n", p.Addr)
	fmt.Fprintf(&b, "dhcp-option=option:dns-server,%s\n", p.Addr)
	fmt.Fprintf(&b, "address=/#/%s\n", p.Addr)
	return b.String()
}

// supplicantConf renders the client-mode configuration scoped to exactly
// one network. WPA passphrases are stored as the derived 256-bit PSK, not
// in the clear; open networks get key_mgmt=NONE.
func supplicantConf(cred Credential) (string, error) {
	if err := validateSSID(cred.SSID); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\n")
	b.WriteString("update_config=1\n")
	if cc := normalizeCountry(cred.Country); cc != "" {
		fmt.Fprintf(&b, "country=%s\n", cc)
	}
	b.WriteString("\nnetwork={\n")
	fmt.Fprintf(&b, "\tssid=\"%s\"\n", escapeWPA(cred.SSID))
	b.WriteString("\tscan_ssid=1\n")
	if cred.Open() {
		b.WriteString("\tkey_mgmt=NONE\n")
	} else {
		psk, err := wpaPSK(cred.SSID, cred.Passphrase)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\tpsk=%s\n", psk)
	}
	b.WriteString("}\n")
	return b.String(), nil
}

// wpaPSK derives the hex-encoded WPA2 pre-shared key from a passphrase,
// exactly as wpa_passphrase does: PBKDF2-HMAC-SHA1 with the SSID as salt,
// 4096 iterations, 256-bit output.
func wpaPSK(ssid, passphrase string) (string, error) {
	if err := validatePassphrase(passphrase); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key), nil
}

func validateSSID(ssid string) error {
	if ssid == "" {
		return fmt.Errorf("ssid is empty")
	}
	if len(ssid) > 32 {
		return fmt.Errorf("ssid longer than 32 bytes")
	}
	return nil
}

// validatePassphrase enforces the WPA constraint: 8-63 printable ASCII
// characters.
func validatePassphrase(passphrase string) error {
	if len(passphrase) < 8 || len(passphrase) > 63 {
		return fmt.Errorf("passphrase must be 8-63 characters")
	}
	for i := 0; i < len(passphrase); i++ {
		if passphrase[i] < 0x20 || passphrase[i] > 0x7e {
			return fmt.Errorf("passphrase contains non-printable characters")
		}
	}
	return nil
}

// normalizeCountry returns the upper-cased ISO 3166-1 alpha-2 code, or ""
// when the input is not one.
func normalizeCountry(cc string) string {
	if len(cc) != 2 {
		return ""
	}
	cc = strings.ToUpper(cc)
	for i := 0; i < 2; i++ {
		if cc[i] < 'A' || cc[i] > 'Z' {
			return ""
		}
	}
	return cc
}

// escapeWPA escapes a string for use inside double quotes in a
// wpa_supplicant configuration value.
func escapeWPA(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// writeFileAtomic writes data to path via a temp file and rename so a
// crash never leaves a half-written configuration behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
