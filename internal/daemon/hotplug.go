package daemon

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/time/rate"

	"tomato/internal/logging"
	"tomato/internal/registry"
)

var defaultHotplugSubsystems = []string{"tty", "usb"}

// hotplugMonitor listens for udev netlink events and logs a hint naming the
// components that are still unregistered. It never registers anything;
// re-registration stays a manual `component register`.
type hotplugMonitor struct {
	logger     *slog.Logger
	subsystems []string
	pending    func() []string
	limit      rate.Sometimes

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newHotplugMonitor(subsystems []string, logger *slog.Logger, pending func() []string) *hotplugMonitor {
	var cleaned []string
	for _, s := range subsystems {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, regexp.QuoteMeta(s))
		}
	}
	if len(cleaned) == 0 {
		cleaned = defaultHotplugSubsystems
	}
	return &hotplugMonitor{
		logger:     logging.NewComponentLogger(logger, "hotplug"),
		subsystems: cleaned,
		pending:    pending,
		limit:      rate.Sometimes{Interval: time.Second},
	}
}

// start connects to the kernel uevent socket. Failure to connect only loses
// the hints.
func (m *hotplugMonitor) start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket", "hotplug_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open netlink sockets"),
			logging.String(logging.FieldImpact, "no hints about reconnected hardware"),
		)
		return
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true
	go m.loop(ctx, conn, m.quit)

	m.logger.Info("hotplug monitor started",
		logging.String(logging.FieldEventType, "hotplug_started"),
		logging.Any("subsystems", m.subsystems),
	)
}

func (m *hotplugMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	_ = m.conn.Close()
	m.conn = nil
	m.running = false
	m.logger.Info("hotplug monitor stopped", logging.String(logging.FieldEventType, "hotplug_stopped"))
}

func (m *hotplugMonitor) matcher() netlink.Matcher {
	action := "add|change"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "^(" + strings.Join(m.subsystems, "|") + ")$",
		},
	})
	return rules
}

func (m *hotplugMonitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	events := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(events, errs, m.matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-events:
			m.logger.Debug("hotplug event",
				logging.String("action", string(ev.Action)),
				logging.String("subsystem", ev.Env["SUBSYSTEM"]),
				logging.String("devname", ev.Env["DEVNAME"]),
			)
			m.limit.Do(func() {
				m.hint()
			})
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "hotplug_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "hotplug hints may be missed"),
			)
		}
	}
}

// hint logs the unregistered components and returns their names.
func (m *hotplugMonitor) hint() []string {
	if m.pending == nil {
		return nil
	}
	names := m.pending()
	if len(names) == 0 {
		return nil
	}
	m.logger.Info("hardware changed while components are unregistered",
		logging.String(logging.FieldEventType, "hotplug_hint"),
		logging.Any("components", names),
		logging.String(logging.FieldErrorHint, "run 'tomato component register <name>' once the hardware is ready"),
	)
	return names
}

// unregisteredComponents lists components of reg that failed to register.
func unregisteredComponents(reg *registry.Registry) []string {
	var names []string
	for _, c := range reg.Components() {
		if !c.Registered {
			names = append(names, c.Name)
		}
	}
	return names
}
