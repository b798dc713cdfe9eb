package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
	"golang.org/x/text/unicode/norm"
)

// Payload is a user-submitted experiment description: the sample to use, the
// ordered technique sequence, and scheduling preferences.
type Payload struct {
	Version  string   `json:"version,omitempty"`
	Sample   Sample   `json:"sample"`
	Method   []Task   `json:"method"`
	Settings Settings `json:"settings"`
}

// Sample identifies the material that must be loaded in the pipeline.
type Sample struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Settings holds scheduling and output preferences.
type Settings struct {
	// UnlockWhenDone keeps the pipeline ready after a successful completion.
	UnlockWhenDone bool      `json:"unlock_when_done,omitempty"`
	Verbosity      string    `json:"verbosity,omitempty"`
	Output         Output    `json:"output,omitempty"`
	Snapshot       *Snapshot `json:"snapshot,omitempty"`
}

// Output names where merged results are written.
type Output struct {
	Path   string `json:"path,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// Snapshot configures periodic snapshots of a running job.
type Snapshot struct {
	Path      string  `json:"path,omitempty"`
	Prefix    string  `json:"prefix,omitempty"`
	Frequency float64 `json:"frequency"`
}

// Interval returns the snapshot period.
func (s *Snapshot) Interval() time.Duration {
	if s == nil {
		return 0
	}
	return seconds(s.Frequency)
}

// Task is one technique invocation on the component bound to ComponentRole.
type Task struct {
	ComponentRole     string         `json:"component_role"`
	TechniqueName     string         `json:"technique_name"`
	TechniqueParams   map[string]any `json:"technique_params,omitempty"`
	TaskName          string         `json:"task_name,omitempty"`
	StartWithTaskName string         `json:"start_with_task_name,omitempty"`
	StopWithTaskName  string         `json:"stop_with_task_name,omitempty"`
	MaxDuration       float64        `json:"max_duration"`
	SampleInterval    float64        `json:"sample_interval"`
	PollingInterval   float64        `json:"polling_interval,omitempty"`
}

// Duration returns the maximum task duration.
func (t Task) Duration() time.Duration { return seconds(t.MaxDuration) }

// Interval returns the hardware sampling interval.
func (t Task) Interval() time.Duration { return seconds(t.SampleInterval) }

// PollEvery returns how often the job process should fetch data for this task.
// Zero means the caller's default applies.
func (t Task) PollEvery() time.Duration { return seconds(t.PollingInterval) }

// Label returns the task name or, when unnamed, the technique.
func (t Task) Label() string {
	if t.TaskName != "" {
		return t.TaskName
	}
	return t.TechniqueName
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// Load reads and parses a payload file (YAML or JSON).
func Load(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON payload, normalizes it and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Payload, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if raw == nil {
		return nil, errors.New("parse payload: document is empty")
	}
	asJSON, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return Decode(asJSON)
}

// Decode reads the canonical JSON encoding produced by Encode.
func Decode(data []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode returns the canonical JSON encoding stored with a job.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func (p *Payload) normalize() {
	p.Sample.Name = NormalizeSample(p.Sample.Name)
	for i := range p.Method {
		t := &p.Method[i]
		t.ComponentRole = strings.TrimSpace(t.ComponentRole)
		t.TechniqueName = strings.TrimSpace(t.TechniqueName)
		t.TaskName = strings.TrimSpace(t.TaskName)
		t.StartWithTaskName = strings.TrimSpace(t.StartWithTaskName)
		t.StopWithTaskName = strings.TrimSpace(t.StopWithTaskName)
	}
}

// NormalizeSample trims a sample name and converts it to Unicode NFC so that
// visually identical names typed on different systems compare equal.
func NormalizeSample(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Validate checks the structural rules every payload must satisfy.
func (p *Payload) Validate() error {
	if p.Sample.Name == "" {
		return errors.New("payload: sample.name is required")
	}
	if len(p.Method) == 0 {
		return errors.New("payload: method must contain at least one task")
	}
	names := make(map[string]struct{}, len(p.Method))
	for i, t := range p.Method {
		if t.ComponentRole == "" {
			return fmt.Errorf("payload: task %d: component_role is required", i)
		}
		if t.TechniqueName == "" {
			return fmt.Errorf("payload: task %d: technique_name is required", i)
		}
		if t.MaxDuration <= 0 {
			return fmt.Errorf("payload: task %d: max_duration must be positive", i)
		}
		if t.SampleInterval <= 0 {
			return fmt.Errorf("payload: task %d: sample_interval must be positive", i)
		}
		if t.PollingInterval < 0 {
			return fmt.Errorf("payload: task %d: polling_interval must not be negative", i)
		}
		if t.TaskName == "" {
			continue
		}
		if _, dup := names[t.TaskName]; dup {
			return fmt.Errorf("payload: task name %q is used more than once", t.TaskName)
		}
		names[t.TaskName] = struct{}{}
	}
	for i, t := range p.Method {
		for _, ref := range []string{t.StartWithTaskName, t.StopWithTaskName} {
			if ref == "" {
				continue
			}
			if ref == t.TaskName {
				return fmt.Errorf("payload: task %d references itself", i)
			}
			if _, ok := names[ref]; !ok {
				return fmt.Errorf("payload: task %d references unknown task %q", i, ref)
			}
		}
	}
	if s := p.Settings.Snapshot; s != nil && s.Frequency <= 0 {
		return errors.New("payload: settings.snapshot.frequency must be positive")
	}
	return nil
}

// Techniques returns the sorted set of technique names the payload requires.
func (p *Payload) Techniques() []string {
	set := make(map[string]struct{}, len(p.Method))
	for _, t := range p.Method {
		set[t.TechniqueName] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Roles returns component roles in order of first appearance.
func (p *Payload) Roles() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range p.Method {
		if _, ok := seen[t.ComponentRole]; ok {
			continue
		}
		seen[t.ComponentRole] = struct{}{}
		out = append(out, t.ComponentRole)
	}
	return out
}

// TasksByRole groups tasks per role, preserving submission order within each role.
func (p *Payload) TasksByRole() map[string][]Task {
	out := make(map[string][]Task)
	for _, t := range p.Method {
		out[t.ComponentRole] = append(out[t.ComponentRole], t)
	}
	return out
}

func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
