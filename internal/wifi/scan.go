package wifi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/executil"
)

// maxScanResults bounds the list handed to the wizard.
const maxScanResults = 20

// Network is one scan result. Signal carries both the raw dBm reading and
// the derived 0-100 percentage the wizard renders.
type Network struct {
	SSID      string `json:"ssid"`
	SignalDBm int    `json:"signal_dbm"`
	Signal    int    `json:"signal"`
}

// NetworkScanner lists networks visible to the managed interface.
// Implemented by *Scanner; faked in tests.
type NetworkScanner interface {
	Scan(ctx context.Context) ([]Network, error)
}

// Scanner produces a fresh, ranked scan on every call. It keeps no memory
// of prior scans and never deduplicates SSIDs: two access points
// broadcasting the same name are two results, matching the radio's view.
type Scanner struct {
	run   executil.Runner
	iface string
}

var _ NetworkScanner = (*Scanner)(nil)

// NewScanner builds a scanner for the configured interface.
func NewScanner(s *config.Settings, run executil.Runner) *Scanner {
	return &Scanner{run: run, iface: s.Interface}
}

// Scan triggers an active scan and returns at most maxScanResults
// networks, strongest signal first, ties broken by SSID. A busy radio
// (typically the access point running on the same interface) is not an
// error; the scan just comes back short or empty.
func (s *Scanner) Scan(ctx context.Context) ([]Network, error) {
	out, err := s.run.Run(ctx, "iw", "dev", s.iface, "scan")
	if err != nil {
		if radioBusy(out, err) {
			log.Debug().Str("interface", s.iface).Msg("scan: radio busy, returning empty result")
			return []Network{}, nil
		}
		return nil, fmt.Errorf("scan %s: %w", s.iface, err)
	}

	nets := parseScan(out)

	sort.SliceStable(nets, func(i, j int) bool {
		if nets[i].SignalDBm != nets[j].SignalDBm {
			return nets[i].SignalDBm > nets[j].SignalDBm
		}
		return nets[i].SSID < nets[j].SSID
	})
	if len(nets) > maxScanResults {
		nets = nets[:maxScanResults]
	}
	return nets, nil
}

var signalRe = regexp.MustCompile(`signal:\s*(-?[0-9.]+)\s*dBm`)

// parseScan extracts {SSID, signal} pairs from `iw dev <iface> scan`
// output. Entries without a usable SSID (hidden networks broadcast empty
// or NUL-filled names) are dropped.
func parseScan(out []byte) []Network {
	var nets []Network
	var cur Network
	inBSS := false

	flush := func() {
		if inBSS && printableSSID(cur.SSID) {
			cur.Signal = dbmToPercent(cur.SignalDBm)
			nets = append(nets, cur)
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "BSS ") {
			flush()
			cur = Network{SignalDBm: -100}
			inBSS = true
			continue
		}
		if !inBSS {
			continue
		}
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "signal:"):
			if m := signalRe.FindStringSubmatch(trimmed); m != nil {
				if f, err := strconv.ParseFloat(m[1], 64); err == nil {
					cur.SignalDBm = int(math.Round(f))
				}
			}
		case strings.HasPrefix(trimmed, "SSID:"):
			cur.SSID = strings.TrimSpace(strings.TrimPrefix(trimmed, "SSID:"))
		}
	}
	flush()
	return nets
}

// printableSSID reports whether an SSID is worth showing to a user. iw
// renders undisplayable bytes as \xNN escapes, so their presence means the
// name is not printable either.
func printableSSID(ssid string) bool {
	if ssid == "" || !utf8.ValidString(ssid) {
		return false
	}
	if strings.Contains(ssid, `\x`) {
		return false
	}
	for _, r := range ssid {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// radioBusy detects EBUSY from iw, which happens when the interface is in
// AP mode and cannot scan.
func radioBusy(out []byte, err error) bool {
	if bytes.Contains(out, []byte("Device or resource busy")) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "resource busy")
}

// dbmToPercent converts an RSSI reading to the usual 0-100 scale:
// -100 dBm and below is 0, -50 dBm and above is 100.
func dbmToPercent(dbm int) int {
	pct := 2 * (dbm + 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
