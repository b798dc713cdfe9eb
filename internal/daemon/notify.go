package daemon

import (
	"context"
	"log/slog"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"tomato/internal/logging"
	"tomato/internal/notifications"
)

const alertTimeout = 15 * time.Second

// Notifier reports daemon state to a service manager.
type Notifier interface {
	Notify(state string)
}

type systemdNotifier struct {
	logger *slog.Logger
}

func (n systemdNotifier) Notify(state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		n.logger.Debug("sd_notify failed", logging.Error(err), logging.String("state", state))
		return
	}
	if sent {
		n.logger.Debug("sd_notify sent", logging.String("state", state))
	}
}

// alert publishes an event in the background. Delivery failures are logged
// and otherwise ignored.
func (d *Daemon) alert(event notifications.Event, payload notifications.Payload) {
	if !notifications.Enabled(d.alerts) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := d.alerts.Publish(ctx, event, payload); err != nil {
			logging.WarnWithContext(d.logger, "notification failed", "notification_failed",
				logging.String("event", string(event)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			)
		}
	}()
}
