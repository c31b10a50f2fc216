package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// markerContents is what gets written into the crash marker file
type markerContents struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Marker is the crash detection file. It exists while the executor
// runs and is removed on clean shutdown, so finding one at startup
// means the previous run died.
type Marker struct {
	path string
}

// NewMarker creates a marker handle for the given path
func NewMarker(path string) *Marker {
	return &Marker{path: path}
}

// Exists reports whether a marker from a previous run is present
func (m *Marker) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write creates the marker for this run
func (m *Marker) Write() error {
	data, err := json.Marshal(markerContents{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.path, data, 0o600)
}

// Clear removes the marker on clean shutdown
func (m *Marker) Clear() error {
	err := os.Remove(m.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
