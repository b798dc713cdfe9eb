package topology

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed sample_devices.yml
var sampleDevices string

// DefaultPollrate is used for devices that do not declare one.
const DefaultPollrate = 1.0

// Device is a physical instrument served by one driver.
type Device struct {
	Name         string
	Driver       string
	Address      string
	Channels     []string
	Pollrate     float64
	Capabilities []string
}

// PollInterval returns the device pollrate as a duration.
func (d Device) PollInterval() time.Duration {
	return time.Duration(d.Pollrate * float64(time.Second))
}

// Component is one addressable channel of a device.
type Component struct {
	Name         string
	Driver       string
	Device       string
	Address      string
	Channel      string
	Pollrate     float64
	Capabilities []string
}

// Binding attaches a component to a pipeline under a role.
type Binding struct {
	Role      string
	Component string
}

// Pipeline is an ordered set of role bindings.
type Pipeline struct {
	Name     string
	Bindings []Binding
}

// Roles returns the role names in binding order.
func (p Pipeline) Roles() []string {
	out := make([]string, 0, len(p.Bindings))
	for _, b := range p.Bindings {
		out = append(out, b.Role)
	}
	return out
}

// ComponentFor returns the component bound to role.
func (p Pipeline) ComponentFor(role string) (string, bool) {
	for _, b := range p.Bindings {
		if b.Role == role {
			return b.Component, true
		}
	}
	return "", false
}

// Driver is a driver process with its settings table.
type Driver struct {
	Name     string
	Settings map[string]any
}

// Topology is the parsed and expanded devices file.
type Topology struct {
	Drivers    map[string]Driver
	Devices    map[string]Device
	Components map[string]Component
	Pipelines  map[string]Pipeline
}

// ComponentName builds the canonical "<device>:<channel>" identifier.
func ComponentName(device, channel string) string {
	return device + ":" + channel
}

// SplitComponentName reverses ComponentName.
func SplitComponentName(name string) (device, channel string, ok bool) {
	idx := strings.LastIndex(name, ":")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

type fileDevice struct {
	Name         string   `yaml:"name"`
	Driver       string   `yaml:"driver"`
	Address      string   `yaml:"address"`
	Channels     []any    `yaml:"channels"`
	Pollrate     *float64 `yaml:"pollrate"`
	Capabilities []string `yaml:"capabilities"`
}

type fileBinding struct {
	Tag     string `yaml:"tag"`
	Name    string `yaml:"name"`
	Channel any    `yaml:"channel"`
}

type filePipeline struct {
	Name    string        `yaml:"name"`
	Devices []fileBinding `yaml:"devices"`
}

type file struct {
	Devices   []fileDevice   `yaml:"devices"`
	Pipelines []filePipeline `yaml:"pipelines"`
}

// Load reads and parses a devices file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	topo, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, nil
}

// Parse decodes a devices document, expands wildcard pipelines and validates
// the result.
func Parse(data []byte) (*Topology, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}

	topo := &Topology{
		Drivers:    make(map[string]Driver),
		Devices:    make(map[string]Device),
		Components: make(map[string]Component),
		Pipelines:  make(map[string]Pipeline),
	}

	for i, raw := range doc.Devices {
		dev, err := buildDevice(raw)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		if _, dup := topo.Devices[dev.Name]; dup {
			return nil, fmt.Errorf("device %q is defined more than once", dev.Name)
		}
		topo.Devices[dev.Name] = dev
		if _, ok := topo.Drivers[dev.Driver]; !ok {
			topo.Drivers[dev.Driver] = Driver{Name: dev.Driver, Settings: map[string]any{}}
		}
		for _, ch := range dev.Channels {
			name := ComponentName(dev.Name, ch)
			topo.Components[name] = Component{
				Name:         name,
				Driver:       dev.Driver,
				Device:       dev.Name,
				Address:      dev.Address,
				Channel:      ch,
				Pollrate:     dev.Pollrate,
				Capabilities: append([]string(nil), dev.Capabilities...),
			}
		}
	}

	for i, raw := range doc.Pipelines {
		pipelines, err := expandPipeline(raw, topo.Devices)
		if err != nil {
			return nil, fmt.Errorf("pipeline %d (%s): %w", i, raw.Name, err)
		}
		for _, pip := range pipelines {
			if _, dup := topo.Pipelines[pip.Name]; dup {
				return nil, fmt.Errorf("pipeline %q is defined more than once", pip.Name)
			}
			topo.Pipelines[pip.Name] = pip
		}
	}
	return topo, nil
}

func buildDevice(raw fileDevice) (Device, error) {
	dev := Device{
		Name:         strings.TrimSpace(raw.Name),
		Driver:       strings.TrimSpace(raw.Driver),
		Address:      strings.TrimSpace(raw.Address),
		Pollrate:     DefaultPollrate,
		Capabilities: raw.Capabilities,
	}
	if dev.Name == "" {
		return Device{}, errors.New("name is required")
	}
	if strings.Contains(dev.Name, ":") {
		return Device{}, fmt.Errorf("name %q must not contain ':'", dev.Name)
	}
	if dev.Driver == "" {
		return Device{}, fmt.Errorf("device %q: driver is required", dev.Name)
	}
	if raw.Pollrate != nil {
		if *raw.Pollrate <= 0 {
			return Device{}, fmt.Errorf("device %q: pollrate must be positive", dev.Name)
		}
		dev.Pollrate = *raw.Pollrate
	}
	if len(raw.Channels) == 0 {
		return Device{}, fmt.Errorf("device %q: at least one channel is required", dev.Name)
	}
	seen := make(map[string]struct{}, len(raw.Channels))
	for _, ch := range raw.Channels {
		id := channelID(ch)
		if id == "" {
			return Device{}, fmt.Errorf("device %q: empty channel", dev.Name)
		}
		if _, dup := seen[id]; dup {
			return Device{}, fmt.Errorf("device %q: channel %s listed twice", dev.Name, id)
		}
		seen[id] = struct{}{}
		dev.Channels = append(dev.Channels, id)
	}
	return dev, nil
}

func expandPipeline(raw filePipeline, devices map[string]Device) ([]Pipeline, error) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}
	if len(raw.Devices) == 0 {
		return nil, errors.New("at least one device binding is required")
	}

	if strings.Contains(name, "*") {
		if len(raw.Devices) != 1 {
			return nil, errors.New("wildcard pipelines must bind exactly one device")
		}
		binding := raw.Devices[0]
		dev, ok := devices[binding.Name]
		if !ok {
			return nil, fmt.Errorf("unknown device %q", binding.Name)
		}
		if strings.TrimSpace(binding.Tag) == "" {
			return nil, errors.New("binding tag is required")
		}
		out := make([]Pipeline, 0, len(dev.Channels))
		for _, ch := range dev.Channels {
			out = append(out, Pipeline{
				Name:     strings.ReplaceAll(name, "*", ch),
				Bindings: []Binding{{Role: strings.TrimSpace(binding.Tag), Component: ComponentName(dev.Name, ch)}},
			})
		}
		return out, nil
	}

	pip := Pipeline{Name: name}
	roles := make(map[string]struct{}, len(raw.Devices))
	for _, b := range raw.Devices {
		role := strings.TrimSpace(b.Tag)
		if role == "" {
			return nil, errors.New("binding tag is required")
		}
		if _, dup := roles[role]; dup {
			return nil, fmt.Errorf("role %q is bound more than once", role)
		}
		roles[role] = struct{}{}
		dev, ok := devices[b.Name]
		if !ok {
			return nil, fmt.Errorf("unknown device %q", b.Name)
		}
		ch := channelID(b.Channel)
		if ch == "" {
			return nil, fmt.Errorf("role %q: channel is required outside wildcard pipelines", role)
		}
		if !containsString(dev.Channels, ch) {
			return nil, fmt.Errorf("role %q: device %q has no channel %s", role, dev.Name, ch)
		}
		pip.Bindings = append(pip.Bindings, Binding{Role: role, Component: ComponentName(dev.Name, ch)})
	}
	return []Pipeline{pip}, nil
}

func channelID(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// ApplySettings attaches driver settings using lookup, typically
// config.Config.DriverSettings.
func (t *Topology) ApplySettings(lookup func(name string) map[string]any) {
	for name, drv := range t.Drivers {
		settings := lookup(name)
		if settings == nil {
			settings = map[string]any{}
		}
		drv.Settings = settings
		t.Drivers[name] = drv
	}
}

// DriverNames returns the sorted driver names.
func (t *Topology) DriverNames() []string {
	return sortedKeys(t.Drivers)
}

// PipelineNames returns the sorted pipeline names.
func (t *Topology) PipelineNames() []string {
	return sortedKeys(t.Pipelines)
}

// ComponentsOf returns the sorted component names served by driver.
func (t *Topology) ComponentsOf(driver string) []string {
	var out []string
	for name, cmp := range t.Components {
		if cmp.Driver == driver {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CreateSample writes the sample devices file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create devices directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleDevices), 0o644); err != nil {
		return fmt.Errorf("write sample devices file: %w", err)
	}
	return nil
}
