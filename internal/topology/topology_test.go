package topology_test

import (
	"path/filepath"
	"strings"
	"testing"

	"tomato/internal/topology"
)

const labDevices = `
devices:
  - name: counter_dev
    driver: example_counter
    address: example-addr
    channels: [1, 2, 5]
    pollrate: 0.5
  - name: psu
    driver: dummy
    address: /dev/ttyUSB0
    channels: ["a"]
    capabilities: [constant_voltage]
pipelines:
  - name: pip-*
    devices:
      - tag: counter
        name: counter_dev
  - name: combined
    devices:
      - tag: power
        name: psu
        channel: a
      - tag: counter
        name: counter_dev
        channel: 5
`

func TestParseExpandsWildcardPipelines(t *testing.T) {
	topo, err := topology.Parse([]byte(labDevices))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := strings.Join(topo.PipelineNames(), ","); got != "combined,pip-1,pip-2,pip-5" {
		t.Fatalf("unexpected pipelines: %s", got)
	}
	pip := topo.Pipelines["pip-2"]
	cmp, ok := pip.ComponentFor("counter")
	if !ok || cmp != "counter_dev:2" {
		t.Fatalf("unexpected binding: %#v", pip)
	}
	combined := topo.Pipelines["combined"]
	if got := strings.Join(combined.Roles(), ","); got != "power,counter" {
		t.Fatalf("binding order not preserved: %s", got)
	}
	if got := strings.Join(topo.DriverNames(), ","); got != "dummy,example_counter" {
		t.Fatalf("unexpected drivers: %s", got)
	}
	if got := strings.Join(topo.ComponentsOf("example_counter"), ","); got != "counter_dev:1,counter_dev:2,counter_dev:5" {
		t.Fatalf("unexpected components: %s", got)
	}
	c := topo.Components["counter_dev:5"]
	if c.Pollrate != 0.5 || c.Address != "example-addr" || c.Channel != "5" {
		t.Fatalf("unexpected component: %#v", c)
	}
	if topo.Devices["psu"].Pollrate != topology.DefaultPollrate {
		t.Fatalf("expected default pollrate, got %v", topo.Devices["psu"].Pollrate)
	}
	if caps := topo.Components["psu:a"].Capabilities; len(caps) != 1 || caps[0] != "constant_voltage" {
		t.Fatalf("unexpected static capabilities: %v", caps)
	}
}

func TestParseRejectsInvalidTopology(t *testing.T) {
	base := `
devices:
  - name: d
    driver: drv
    address: x
    channels: [1]
`
	cases := map[string]string{
		"unknown device": base + `
pipelines:
  - name: p
    devices: [{tag: r, name: missing, channel: 1}]
`,
		"bad channel": base + `
pipelines:
  - name: p
    devices: [{tag: r, name: d, channel: 9}]
`,
		"duplicate role": base + `
pipelines:
  - name: p
    devices: [{tag: r, name: d, channel: 1}, {tag: r, name: d, channel: 1}]
`,
		"duplicate pipeline": base + `
pipelines:
  - name: p
    devices: [{tag: r, name: d, channel: 1}]
  - name: p
    devices: [{tag: r, name: d, channel: 1}]
`,
		"wildcard with two devices": base + `
pipelines:
  - name: p-*
    devices: [{tag: r, name: d}, {tag: s, name: d}]
`,
		"missing channel": base + `
pipelines:
  - name: p
    devices: [{tag: r, name: d}]
`,
		"no driver": `
devices:
  - name: d
    channels: [1]
`,
		"no channels": `
devices:
  - name: d
    driver: x
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := topology.Parse([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestApplySettingsAttachesDriverTables(t *testing.T) {
	topo, err := topology.Parse([]byte(labDevices))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	topo.ApplySettings(func(name string) map[string]any {
		if name == "example_counter" {
			return map[string]any{"idle_measurement_interval": int64(2)}
		}
		return nil
	})
	if topo.Drivers["example_counter"].Settings["idle_measurement_interval"] != int64(2) {
		t.Fatalf("settings not applied: %#v", topo.Drivers["example_counter"])
	}
	if topo.Drivers["dummy"].Settings == nil {
		t.Fatal("expected empty settings map for unconfigured driver")
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "devices.yml")
	if err := topology.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	topo, err := topology.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(topo.Pipelines) != 2 {
		t.Fatalf("expected two expanded sample pipelines, got %d", len(topo.Pipelines))
	}
}

func TestSplitComponentName(t *testing.T) {
	dev, ch, ok := topology.SplitComponentName("a:b:3")
	if !ok || dev != "a:b" || ch != "3" {
		t.Fatalf("unexpected split: %q %q %v", dev, ch, ok)
	}
	if _, _, ok := topology.SplitComponentName("nochannel"); ok {
		t.Fatal("expected failure without separator")
	}
}
