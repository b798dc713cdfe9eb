package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"tomato/internal/config"
	"tomato/internal/topology"
)

// CounterDevices is a devices file with one two-channel example_counter device
// expanded into pip-counter-1 and pip-counter-2.
const CounterDevices = `
devices:
  - name: counter_dev
    driver: example_counter
    address: example-addr
    channels: [1, 2]
    pollrate: 0.1
pipelines:
  - name: pip-counter-*
    devices:
      - tag: counter
        name: counter_dev
`

// WriteDevices writes content to the configured devices file.
func WriteDevices(t testing.TB, cfg *config.Config, content string) string {
	t.Helper()

	path := cfg.Paths.DevicesFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write devices: %v", err)
	}
	return path
}

// CounterTopology parses CounterDevices.
func CounterTopology(t testing.TB) *topology.Topology {
	t.Helper()

	topo, err := topology.Parse([]byte(CounterDevices))
	if err != nil {
		t.Fatalf("topology.Parse: %v", err)
	}
	return topo
}
