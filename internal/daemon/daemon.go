package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"

	"tomato/internal/api"
	"tomato/internal/config"
	"tomato/internal/ipc"
	"tomato/internal/logging"
	"tomato/internal/notifications"
	"tomato/internal/queue"
	"tomato/internal/registry"
	"tomato/internal/scheduler"
	"tomato/internal/topology"
)

var (
	// ErrJobsRunning is returned by Stop while jobs hold pipelines.
	ErrJobsRunning = errors.New("jobs are running")
	// ErrNotRunning is returned by operations that need a started daemon.
	ErrNotRunning = errors.New("daemon not running")
)

// Daemon owns the runtime of one tomato instance and enforces that only one
// runs per port.
type Daemon struct {
	cfg        *config.Config
	configPath string
	store      *queue.Store
	registry   *registry.Registry
	logger     *slog.Logger
	logPath    string

	launcher DriverLauncher
	spawner  scheduler.Spawner
	probe    scheduler.ProcessProbe
	notifier Notifier
	alerts   notifications.Service

	lockPath string
	lock     *flock.Flock

	// mu serialises Start, Stop and Reload.
	mu          sync.Mutex
	settings    map[string]map[string]any
	server      *ipc.Server
	drivers     *driverManager
	loop        *scheduler.Loop
	api         *apiServer
	maintenance *maintenance
	hotplug     *hotplugMonitor
	startedAt   time.Time

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// Option configures optional Daemon behavior.
type Option func(*Daemon)

// WithConfigPath names the settings file re-read by Reload and handed to
// spawned processes.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// WithLogPath records the daemon log file for status reports and retention.
func WithLogPath(path string) Option {
	return func(d *Daemon) { d.logPath = path }
}

// WithDriverLauncher replaces the process launcher used for drivers.
func WithDriverLauncher(l DriverLauncher) Option {
	return func(d *Daemon) { d.launcher = l }
}

// WithSpawner replaces the job process spawner.
func WithSpawner(s scheduler.Spawner) Option {
	return func(d *Daemon) { d.spawner = s }
}

// WithProbe replaces the process liveness probe used for jobs and drivers.
func WithProbe(p scheduler.ProcessProbe) Option {
	return func(d *Daemon) { d.probe = p }
}

// WithNotifier replaces the service manager notifier.
func WithNotifier(n Notifier) Option {
	return func(d *Daemon) { d.notifier = n }
}

// WithAlerts replaces the service that publishes job and component alerts.
func WithAlerts(svc notifications.Service) Option {
	return func(d *Daemon) { d.alerts = svc }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, reg *registry.Registry, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || reg == nil {
		return nil, errors.New("daemon requires config, store, and registry")
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		store:    store,
		registry: reg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		settings: maps.Clone(cfg.Drivers),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.launcher == nil {
		d.launcher = ExecLauncher{Port: cfg.Daemon.Port, ConfigPath: d.configPath, LogDir: cfg.Paths.LogDir}
	}
	if d.spawner == nil {
		d.spawner = scheduler.ExecSpawner{Port: cfg.Daemon.Port, ConfigPath: d.configPath}
	}
	if d.probe == nil {
		d.probe = scheduler.SignalProbe{}
	}
	if d.notifier == nil {
		d.notifier = systemdNotifier{logger: d.logger}
	}
	if d.alerts == nil {
		d.alerts = notifications.NewService(cfg)
	}
	return d, nil
}

// Start acquires the lock, applies the device topology, opens the RPC
// service, spawns the driver processes and starts the scheduling loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another tomato daemon instance is already running on port %d", d.cfg.Daemon.Port)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.start(runCtx); err != nil {
		cancel()
		d.wg.Wait()
		if d.drivers != nil {
			d.drivers.stopAll(context.WithoutCancel(ctx))
		}
		d.teardown()
		_ = d.lock.Unlock()
		return err
	}
	d.ctx, d.cancel = runCtx, cancel
	d.startedAt = time.Now()
	d.running.Store(true)
	d.notifier.Notify(sddaemon.SdNotifyReady)
	d.notifier.Notify(fmt.Sprintf("STATUS=listening on %s", d.cfg.DaemonAddress()))
	d.logger.Info("tomato daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("address", d.cfg.DaemonAddress()),
	)
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	topo, err := loadTopology(d.cfg.Paths.DevicesFile, d.settings)
	if err != nil {
		return err
	}
	diff, err := d.registry.Apply(ctx, topo)
	if err != nil {
		return fmt.Errorf("apply topology: %w", err)
	}
	logDiff(d.logger, "topology applied", diff)

	d.drivers = newDriverManager(ctx, d.registry, d.launcher, d.probe, d.cfg.DriverTimeout(), d.logger)
	server, err := ipc.NewServer(ctx, d.cfg.DaemonAddress(), ipc.DaemonServiceName, &Service{d: d, ctx: ctx}, d.logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	d.server = server
	server.Serve()

	d.drivers.reset(ctx)
	if err := d.drivers.spawnAll(ctx); err != nil {
		logging.WarnWithContext(d.logger, "some drivers failed to start", "driver_spawn_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "pipelines using these drivers cannot run jobs"),
			logging.String(logging.FieldErrorHint, "check the driver logs, then run tomato reload"),
		)
	}

	d.loop = scheduler.New(d.cfg, d.store, d.registry, d.spawner, d.logger, scheduler.WithProbe(d.probe))
	d.goRun(func() { _ = d.loop.Run(ctx) })
	d.goRun(func() { d.checkpointLoop(ctx) })

	if d.cfg.Daemon.WatchFiles {
		watcher := newFileWatcher(d.logger, func() {
			if _, err := d.Reload(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				logging.WarnWithContext(d.logger, "automatic reload failed", "reload_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "fix the edited file; the previous topology stays active"),
				)
			}
		}, d.configPath, d.cfg.Paths.DevicesFile)
		d.goRun(func() { watcher.run(ctx) })
	}

	maint, err := newMaintenance(d.cfg.Maintenance.Schedule, d.runMaintenance, d.logger)
	if err != nil {
		return err
	}
	d.maintenance = maint
	d.maintenance.start()

	if d.cfg.Hotplug.Enabled {
		d.hotplug = newHotplugMonitor(d.cfg.Hotplug.Subsystems, d.logger, func() []string {
			return unregisteredComponents(d.registry)
		})
		d.hotplug.start(ctx)
	}

	if d.cfg.API.Bind != "" {
		d.api = newAPIServer(d.cfg.API.Bind, d.cfg.API.Token, d, d.logger)
		if err := d.api.start(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// checkIdle refuses to stop while any job is running.
func (d *Daemon) checkIdle(ctx context.Context) error {
	jobs, err := d.store.ListJobs(ctx, queue.StatusRunning, queue.StatusCancelRequested)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		return fmt.Errorf("%w: %d job(s) still hold pipelines", ErrJobsRunning, len(jobs))
	}
	return nil
}

// Stop shuts the daemon down. It is refused with ErrJobsRunning while jobs
// are running; on success driver processes are told to exit and the lock is
// released.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return nil
	}
	if err := d.checkIdle(ctx); err != nil {
		return err
	}
	d.notifier.Notify(sddaemon.SdNotifyStopping)
	d.cancel()
	d.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DriverTimeout()+time.Second)
	d.drivers.stopAll(stopCtx)
	cancel()

	d.teardown()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx, d.cancel = nil, nil
	d.running.Store(false)
	d.doneOnce.Do(func() { close(d.done) })
	d.logger.Info("tomato daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return nil
}

func (d *Daemon) teardown() {
	if d.api != nil {
		d.api.stop()
		d.api = nil
	}
	if d.hotplug != nil {
		d.hotplug.stop()
		d.hotplug = nil
	}
	if d.maintenance != nil {
		d.maintenance.stop()
		d.maintenance = nil
	}
	if d.server != nil {
		d.server.Close()
		d.server = nil
	}
}

// Done is closed once the daemon has stopped.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Close stops the daemon if it is idle and releases the store.
func (d *Daemon) Close() error {
	if err := d.Stop(context.Background()); err != nil {
		return err
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether the daemon is started.
func (d *Daemon) Running() bool { return d.running.Load() }

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string { return d.logPath }

// Wake asks the scheduling loop for an early pass.
func (d *Daemon) Wake() {
	if !d.running.Load() {
		return
	}
	if loop := d.loop; loop != nil {
		loop.Wake()
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Port:         d.cfg.Daemon.Port,
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		LogPath:      d.logPath,
		DevicesFile:  d.cfg.Paths.DevicesFile,
	}
	if status.Running {
		status.StartedAt = api.FormatTime(d.startedAt)
	}
	if stats, err := d.store.Stats(ctx); err == nil {
		status.JobStats = api.MergeJobStats(stats)
	} else {
		d.logger.Warn("queue stats unavailable", logging.Error(err))
	}
	if pips, err := d.registry.Pipelines(ctx); err == nil {
		status.Pipelines = len(pips)
	}
	for _, drv := range d.registry.Drivers() {
		status.Drivers = append(status.Drivers, api.FromDriver(drv))
	}
	return status
}

// Reload re-reads the driver settings and the devices file and applies the
// difference. Running pipelines, their components and drivers are protected
// by the registry; a refused reload changes nothing.
func (d *Daemon) Reload(ctx context.Context) (registry.Diff, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return registry.Diff{}, ErrNotRunning
	}
	settings := d.settings
	if d.configPath != "" {
		fresh, _, _, err := config.Load(d.configPath)
		if err != nil {
			return registry.Diff{}, fmt.Errorf("reload settings: %w", err)
		}
		settings = fresh.Drivers
	}
	topo, err := loadTopology(d.cfg.Paths.DevicesFile, settings)
	if err != nil {
		return registry.Diff{}, err
	}
	owners := componentDrivers(d.registry.Components())
	diff, err := d.registry.Apply(ctx, topo)
	if err != nil {
		return diff, err
	}
	d.settings = maps.Clone(settings)
	if err := d.drivers.apply(ctx, diff, owners); err != nil {
		logging.WarnWithContext(d.logger, "reload left some drivers out of sync", "reload_partial",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the driver logs and retry the reload"),
		)
	}
	d.loop.Wake()
	logDiff(d.logger, "reload applied", diff)
	return diff, nil
}

func (d *Daemon) checkpointLoop(ctx context.Context) {
	interval := d.cfg.StateInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drivers.checkpoint(ctx)
		}
	}
}

func (d *Daemon) runMaintenance() {
	targets := []logging.RetentionTarget{
		{Dir: d.cfg.Paths.LogDir, Pattern: "*.log", Keep: []string{d.logPath}},
		{Dir: d.cfg.Paths.LogDir, Pattern: "*.out"},
	}
	removed := logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, targets...)
	d.logger.Info("maintenance finished",
		logging.String(logging.FieldEventType, "maintenance_finished"),
		logging.Int("logs_removed", removed),
	)
}

func loadTopology(path string, settings map[string]map[string]any) (*topology.Topology, error) {
	topo, err := topology.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load devices file: %w", err)
	}
	topo.ApplySettings(func(name string) map[string]any { return maps.Clone(settings[name]) })
	return topo, nil
}

func componentDrivers(components []queue.Component) map[string]string {
	out := make(map[string]string, len(components))
	for _, c := range components {
		out[c.Name] = c.Driver
	}
	return out
}

func logDiff(logger *slog.Logger, msg string, diff registry.Diff) {
	if diff.Empty() {
		logger.Debug(msg, logging.Bool("changed", false))
		return
	}
	logger.Info(msg,
		logging.String(logging.FieldEventType, "topology_changed"),
		logging.Any("added_drivers", diff.AddedDrivers),
		logging.Any("removed_drivers", diff.RemovedDrivers),
		logging.Any("changed_settings", diff.ChangedSettings),
		logging.Any("added_components", diff.AddedComponents),
		logging.Any("changed_components", diff.ChangedComponents),
		logging.Any("removed_components", diff.RemovedComponents),
		logging.Any("added_pipelines", diff.AddedPipelines),
		logging.Any("changed_pipelines", diff.ChangedPipelines),
		logging.Any("removed_pipelines", diff.RemovedPipelines),
	)
}
