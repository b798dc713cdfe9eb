package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tomato/internal/driverapi"
	"tomato/internal/ipc"
	"tomato/internal/logging"
	"tomato/internal/queue"
	"tomato/internal/registry"
	"tomato/internal/scheduler"
)

// DriverLauncher starts the process of one driver and returns its pid. The
// process announces its endpoint later through DriverHello, quoting session.
type DriverLauncher interface {
	Launch(ctx context.Context, name, session string) (int, error)
}

// ExecLauncher runs "tomato driver" for each driver.
type ExecLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	Port       int
	ConfigPath string
	// LogDir receives the raw process output as driver_<name>_<port>.out.
	LogDir string
}

// Launch starts the driver in its own process group and reaps it in the
// background.
func (l ExecLauncher) Launch(_ context.Context, name, session string) (int, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	args := []string{"driver", "--name", name, "--port", strconv.Itoa(l.Port), "--session", session}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}

	outPath := os.DevNull
	if l.LogDir != "" {
		outPath = filepath.Join(l.LogDir, fmt.Sprintf("driver_%s_%d.out", name, l.Port))
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open driver output: %w", err)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("start driver %s: %w", name, err)
	}
	go func() {
		_ = cmd.Wait()
		_ = out.Close()
	}()
	return cmd.Process.Pid, nil
}

// driverManager spawns driver processes, accepts their hello and keeps one
// RPC client per connected driver.
type driverManager struct {
	ctx      context.Context
	registry *registry.Registry
	launcher DriverLauncher
	probe    scheduler.ProcessProbe
	timeout  time.Duration
	logger   *slog.Logger

	// mu is held across a launch and its bookkeeping so that a hello is
	// only handled once the session is on record.
	mu      sync.Mutex
	clients map[string]*ipc.DriverClient
}

func newDriverManager(ctx context.Context, reg *registry.Registry, launcher DriverLauncher, probe scheduler.ProcessProbe, timeout time.Duration, logger *slog.Logger) *driverManager {
	return &driverManager{
		ctx:      ctx,
		registry: reg,
		launcher: launcher,
		probe:    probe,
		timeout:  timeout,
		logger:   logging.NewComponentLogger(logger, "drivers"),
		clients:  make(map[string]*ipc.DriverClient),
	}
}

func componentSpec(c queue.Component) driverapi.ComponentSpec {
	return driverapi.ComponentSpec{
		Name:    c.Name,
		Driver:  c.Driver,
		Device:  c.Device,
		Address: c.Address,
		Channel: c.Channel,
	}
}

// reset forgets driver processes and registrations left behind by a previous
// daemon. Drivers that still answer are asked to exit.
func (m *driverManager) reset(ctx context.Context) {
	for _, drv := range m.registry.Drivers() {
		if drv.Connected() && m.probe.Alive(drv.PID) {
			client := ipc.NewDriverClient(driverAddress(drv.Port), m.timeout)
			if err := client.Stop(ctx); err != nil {
				m.logger.Debug("stale driver did not stop", logging.String(logging.FieldDriver, drv.Name), logging.Error(err))
			}
			_ = client.Close()
		}
		if drv.PID != 0 || drv.Session != "" {
			if err := m.registry.ClearDriverProcess(ctx, drv.Name); err != nil {
				m.logger.Warn("clear stale driver failed", logging.String(logging.FieldDriver, drv.Name), logging.Error(err))
			}
		}
	}
	for _, c := range m.registry.Components() {
		if !c.Registered && c.RegistrationError == "" {
			continue
		}
		if err := m.registry.SetRegistered(ctx, c.Name, nil, false, ""); err != nil {
			m.logger.Warn("reset component registration failed", logging.String(logging.FieldCmp, c.Name), logging.Error(err))
		}
	}
}

// spawnAll launches every driver that has no live process.
func (m *driverManager) spawnAll(ctx context.Context) error {
	var errs []error
	for _, drv := range m.registry.Drivers() {
		if drv.PID != 0 && m.probe.Alive(drv.PID) {
			continue
		}
		if err := m.spawn(ctx, drv.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *driverManager) spawn(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropClientLocked(name)
	session := uuid.NewString()
	pid, err := m.launcher.Launch(ctx, name, session)
	if err != nil {
		_ = m.registry.ClearDriverProcess(ctx, name)
		return fmt.Errorf("launch driver %s: %w", name, err)
	}
	if err := m.registry.SetDriverProcess(ctx, name, pid, session); err != nil {
		return fmt.Errorf("record driver %s: %w", name, err)
	}
	m.logger.Info("driver spawned",
		logging.String(logging.FieldEventType, "driver_spawned"),
		logging.String(logging.FieldDriver, name),
		logging.Int("pid", pid),
	)
	return nil
}

// hello accepts the endpoint of a spawned driver and returns its settings.
// Components are registered in the background once the settings are pushed.
func (m *driverManager) hello(ctx context.Context, req ipc.DriverHelloRequest) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drv, ok := m.registry.Driver(req.Driver)
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", req.Driver, queue.ErrNotFound)
	}
	if drv.Session == "" || drv.Session != req.Session {
		return nil, fmt.Errorf("driver %s: stale session %q: %w", req.Driver, req.Session, queue.ErrConflict)
	}
	if err := m.registry.SetDriverEndpoint(ctx, req.Driver, req.Session, req.PID, req.Port); err != nil {
		return nil, err
	}
	m.dropClientLocked(req.Driver)
	client := ipc.NewDriverClient(driverAddress(req.Port), m.timeout)
	m.clients[req.Driver] = client
	m.logger.Info("driver connected",
		logging.String(logging.FieldEventType, "driver_connected"),
		logging.String(logging.FieldDriver, req.Driver),
		logging.Int("pid", req.PID),
		logging.Int("port", req.Port),
	)
	go m.registerAll(req.Driver, client, drv.Settings)
	return drv.Settings, nil
}

func (m *driverManager) registerAll(name string, client *ipc.DriverClient, settings map[string]any) {
	ctx := m.ctx
	if err := client.ReplaceSettings(ctx, settings); err != nil {
		logging.WarnWithContext(m.logger, "push driver settings failed", "driver_settings_failed",
			logging.String(logging.FieldDriver, name),
			logging.Error(err),
			logging.String(logging.FieldImpact, "components register with default settings"),
		)
	}
	for _, c := range m.registry.ComponentsOf(name) {
		m.register(ctx, client, c, false)
	}
}

func (m *driverManager) register(ctx context.Context, client *ipc.DriverClient, c queue.Component, manual bool) {
	if err := client.Register(ctx, componentSpec(c), manual); err != nil {
		logging.WarnWithContext(m.logger, "component registration request failed", "component_register_failed",
			logging.String(logging.FieldDriver, c.Driver),
			logging.String(logging.FieldCmp, c.Name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run tomato component register "+c.Name),
		)
	}
}

// registerComponent asks the driver of name for a manual registration attempt.
func (m *driverManager) registerComponent(ctx context.Context, name string) error {
	c, ok := m.registry.Component(name)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownComponent, name)
	}
	client, ok := m.client(c.Driver)
	if !ok {
		return fmt.Errorf("driver %s of %s is not connected: %w", c.Driver, name, queue.ErrConflict)
	}
	return client.Register(ctx, componentSpec(c), true)
}

func (m *driverManager) client(name string) (*ipc.DriverClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	return c, ok
}

func (m *driverManager) dropClientLocked(name string) {
	if c, ok := m.clients[name]; ok {
		_ = c.Close()
		delete(m.clients, name)
	}
}

// checkpoint forgets drivers whose process died and marks their components
// unregistered. Dead drivers are not respawned; reload does that.
func (m *driverManager) checkpoint(ctx context.Context) {
	for _, drv := range m.registry.Drivers() {
		if drv.PID == 0 || m.probe.Alive(drv.PID) {
			continue
		}
		logging.WarnWithContext(m.logger, "driver process exited", "driver_exited",
			logging.String(logging.FieldDriver, drv.Name),
			logging.Int("pid", drv.PID),
			logging.String(logging.FieldImpact, "pipelines using this driver cannot run jobs"),
			logging.String(logging.FieldErrorHint, "check the driver log, then run tomato reload"),
		)
		m.forget(ctx, drv.Name, "driver process exited")
	}
}

func (m *driverManager) forget(ctx context.Context, name, reason string) {
	m.mu.Lock()
	m.dropClientLocked(name)
	m.mu.Unlock()
	if err := m.registry.ClearDriverProcess(ctx, name); err != nil && !errors.Is(err, queue.ErrNotFound) {
		m.logger.Warn("clear driver process failed", logging.String(logging.FieldDriver, name), logging.Error(err))
	}
	for _, c := range m.registry.ComponentsOf(name) {
		if err := m.registry.SetRegistered(ctx, c.Name, nil, false, reason); err != nil {
			m.logger.Warn("unregister component failed", logging.String(logging.FieldCmp, c.Name), logging.Error(err))
		}
	}
}

// stopAll tells every connected driver to exit.
func (m *driverManager) stopAll(ctx context.Context) {
	for _, drv := range m.registry.Drivers() {
		m.stop(ctx, drv.Name)
		if drv.PID != 0 {
			m.forget(ctx, drv.Name, "")
		}
	}
}

func (m *driverManager) stop(ctx context.Context, name string) {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := client.Stop(ctx); err != nil {
		m.logger.Warn("driver stop request failed", logging.String(logging.FieldDriver, name), logging.Error(err))
	}
	_ = client.Close()
}

// apply brings driver processes in line with a registry diff. owners maps
// component names to their driver before the diff was applied.
func (m *driverManager) apply(ctx context.Context, diff registry.Diff, owners map[string]string) error {
	var errs []error
	for _, name := range diff.RemovedDrivers {
		m.stop(ctx, name)
	}
	for _, name := range diff.RemovedComponents {
		m.teardown(ctx, owners[name], name)
	}
	for _, name := range diff.ChangedComponents {
		m.teardown(ctx, owners[name], name)
	}
	for _, name := range diff.ChangedSettings {
		client, ok := m.client(name)
		if !ok {
			continue
		}
		drv, _ := m.registry.Driver(name)
		if err := client.ReplaceSettings(ctx, drv.Settings); err != nil {
			errs = append(errs, fmt.Errorf("push settings to %s: %w", name, err))
		}
	}
	for _, name := range slices.Concat(diff.ChangedComponents, diff.AddedComponents) {
		c, ok := m.registry.Component(name)
		if !ok {
			continue
		}
		if client, ok := m.client(c.Driver); ok {
			m.register(ctx, client, c, false)
		}
	}
	// New drivers and drivers that died since the last reload.
	if err := m.spawnAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *driverManager) teardown(ctx context.Context, driverName, component string) {
	if driverName == "" {
		return
	}
	client, ok := m.client(driverName)
	if !ok {
		return
	}
	if err := client.Teardown(ctx, component); err != nil {
		m.logger.Debug("component teardown failed",
			logging.String(logging.FieldDriver, driverName),
			logging.String(logging.FieldCmp, component),
			logging.Error(err),
		)
	}
}

func driverAddress(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
