package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"tomato/internal/logging"
	"tomato/internal/queue"
	"tomato/internal/topology"
)

// Diff summarises what Apply changed.
type Diff struct {
	AddedDrivers      []string
	RemovedDrivers    []string
	ChangedSettings   []string
	AddedComponents   []string
	ChangedComponents []string
	RemovedComponents []string
	AddedPipelines    []string
	ChangedPipelines  []string
	RemovedPipelines  []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.AddedDrivers)+len(d.RemovedDrivers)+len(d.ChangedSettings)+
		len(d.AddedComponents)+len(d.ChangedComponents)+len(d.RemovedComponents)+
		len(d.AddedPipelines)+len(d.ChangedPipelines)+len(d.RemovedPipelines) == 0
}

// Apply makes the persisted topology match topo. Pipelines that run a job
// must keep their bindings, and the components and drivers they use must stay
// in place with the same description; otherwise nothing is changed and
// ErrPipelineBusy is returned. Driver settings may change at any time.
func (r *Registry) Apply(ctx context.Context, topo *topology.Topology) (Diff, error) {
	var diff Diff
	if topo == nil {
		return diff, errors.New("apply: topology is nil")
	}
	current, err := r.store.ListPipelines(ctx)
	if err != nil {
		return diff, err
	}
	r.mu.RLock()
	oldComponents := make(map[string]queue.Component, len(r.components))
	for k, v := range r.components {
		oldComponents[k] = v
	}
	oldDrivers := make(map[string]queue.Driver, len(r.drivers))
	for k, v := range r.drivers {
		oldDrivers[k] = v
	}
	r.mu.RUnlock()

	if err := checkRunning(current, topo, oldComponents); err != nil {
		return diff, err
	}

	for _, name := range topo.DriverNames() {
		drv := topo.Drivers[name]
		old, existed := oldDrivers[name]
		switch {
		case !existed:
			diff.AddedDrivers = append(diff.AddedDrivers, name)
		case !sameSettings(old.Settings, drv.Settings):
			diff.ChangedSettings = append(diff.ChangedSettings, name)
		default:
			continue
		}
		if err := r.store.UpsertDriver(ctx, name, drv.Settings); err != nil {
			return diff, err
		}
	}

	cmpNames := make([]string, 0, len(topo.Components))
	for name := range topo.Components {
		cmpNames = append(cmpNames, name)
	}
	sort.Strings(cmpNames)
	for _, name := range cmpNames {
		cmp := topo.Components[name]
		next := queue.Component{
			Name:     cmp.Name,
			Driver:   cmp.Driver,
			Device:   cmp.Device,
			Address:  cmp.Address,
			Channel:  cmp.Channel,
			Pollrate: cmp.Pollrate,
		}
		old, existed := oldComponents[name]
		switch {
		case !existed:
			diff.AddedComponents = append(diff.AddedComponents, name)
		case !sameComponent(old, next):
			diff.ChangedComponents = append(diff.ChangedComponents, name)
		default:
			continue
		}
		if err := r.store.UpsertComponent(ctx, next); err != nil {
			return diff, err
		}
		if !existed && len(cmp.Capabilities) > 0 {
			if err := r.store.SetComponentRegistration(ctx, name, cmp.Capabilities, false, ""); err != nil {
				return diff, err
			}
		}
	}

	currentByName := make(map[string]*queue.Pipeline, len(current))
	for _, pip := range current {
		currentByName[pip.Name] = pip
	}
	for _, name := range topo.PipelineNames() {
		bindings := toBindings(topo.Pipelines[name].Bindings)
		changed, err := r.store.UpsertPipeline(ctx, name, bindings)
		if err != nil {
			return diff, err
		}
		if _, existed := currentByName[name]; !existed {
			diff.AddedPipelines = append(diff.AddedPipelines, name)
		} else if changed {
			diff.ChangedPipelines = append(diff.ChangedPipelines, name)
		}
	}
	for _, pip := range current {
		if _, keep := topo.Pipelines[pip.Name]; keep {
			continue
		}
		if err := r.store.DeletePipeline(ctx, pip.Name); err != nil {
			return diff, err
		}
		diff.RemovedPipelines = append(diff.RemovedPipelines, pip.Name)
	}
	for _, name := range sortedKeys(oldComponents) {
		if _, keep := topo.Components[name]; keep {
			continue
		}
		if err := r.store.DeleteComponent(ctx, name); err != nil {
			return diff, err
		}
		diff.RemovedComponents = append(diff.RemovedComponents, name)
	}
	for _, name := range sortedKeys(oldDrivers) {
		if _, keep := topo.Drivers[name]; keep {
			continue
		}
		if err := r.store.DeleteDriver(ctx, name); err != nil {
			return diff, err
		}
		diff.RemovedDrivers = append(diff.RemovedDrivers, name)
	}

	if err := r.refresh(ctx); err != nil {
		return diff, err
	}
	if !diff.Empty() {
		r.logger.Info("topology applied",
			logging.Int("pipelines_added", len(diff.AddedPipelines)),
			logging.Int("pipelines_removed", len(diff.RemovedPipelines)),
			logging.Int("components_added", len(diff.AddedComponents)),
			logging.Int("components_changed", len(diff.ChangedComponents)),
			logging.Int("components_removed", len(diff.RemovedComponents)),
			logging.Int("drivers_added", len(diff.AddedDrivers)),
			logging.Int("drivers_removed", len(diff.RemovedDrivers)),
			logging.String(logging.FieldEventType, "topology_applied"),
		)
	}
	return diff, nil
}

func checkRunning(current []*queue.Pipeline, topo *topology.Topology, components map[string]queue.Component) error {
	for _, pip := range current {
		if !pip.Busy() {
			continue
		}
		next, ok := topo.Pipelines[pip.Name]
		if !ok {
			return fmt.Errorf("%w: %s would be removed", ErrPipelineBusy, pip.Name)
		}
		if !slices.Equal(pip.Bindings, toBindings(next.Bindings)) {
			return fmt.Errorf("%w: bindings of %s would change", ErrPipelineBusy, pip.Name)
		}
		for _, b := range pip.Bindings {
			old := components[b.Component]
			cmp := topo.Components[b.Component]
			next := queue.Component{
				Name: cmp.Name, Driver: cmp.Driver, Device: cmp.Device,
				Address: cmp.Address, Channel: cmp.Channel, Pollrate: cmp.Pollrate,
			}
			if !sameComponent(old, next) {
				return fmt.Errorf("%w: component %s of %s would change", ErrPipelineBusy, b.Component, pip.Name)
			}
		}
	}
	return nil
}

func toBindings(in []topology.Binding) []queue.Binding {
	out := make([]queue.Binding, 0, len(in))
	for _, b := range in {
		out = append(out, queue.Binding{Role: b.Role, Component: b.Component})
	}
	return out
}

func sameComponent(a, b queue.Component) bool {
	return a.Driver == b.Driver && a.Device == b.Device && a.Address == b.Address &&
		a.Channel == b.Channel && a.Pollrate == b.Pollrate
}

// sameSettings compares settings through their JSON form so that numbers
// decoded from TOML and from the store compare equal.
func sameSettings(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
