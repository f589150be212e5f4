package wifi

import (
	"fmt"
	"os"
	"path/filepath"
)

// Marker is the durable "this device has joined a real network at least
// once" flag. Its presence on disk is the only fact that survives between
// invocations. It is monotonic: set on the first successful join and never
// cleared here (resetting it is an administrative action).
type Marker struct {
	path string
}

// NewMarker returns a marker backed by the given file path.
func NewMarker(path string) *Marker {
	return &Marker{path: path}
}

// IsSet reports whether the marker file exists.
func (m *Marker) IsSet() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Set creates the marker file. Setting an already-set marker is a no-op.
func (m *Marker) Set() error {
	if m.IsSet() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("marker dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("marker: %w", err)
	}
	return f.Close()
}

// Path returns the marker file location.
func (m *Marker) Path() string { return m.path }
