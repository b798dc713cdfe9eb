package daemon

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tomato/internal/config"
	"tomato/internal/logging"
)

// maintenance runs housekeeping on the configured cron schedule.
type maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newMaintenance(schedule string, job func(), logger *slog.Logger) (*maintenance, error) {
	logger = logging.NewComponentLogger(logger, "maintenance")
	c := cron.New(cron.WithParser(config.MaintenanceParser), cron.WithLocation(time.Local))
	schedule = strings.TrimSpace(schedule)
	if schedule != "" {
		if _, err := c.AddFunc(schedule, func() {
			started := time.Now()
			job()
			logger.Info("maintenance finished", logging.Duration("elapsed", time.Since(started)))
		}); err != nil {
			return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
		}
	}
	return &maintenance{cron: c, logger: logger}, nil
}

func (m *maintenance) start() {
	m.cron.Start()
	for _, entry := range m.cron.Entries() {
		m.logger.Info("maintenance scheduled", logging.String("next", entry.Next.Format(time.RFC3339)))
	}
}

// stop waits for a running job to return.
func (m *maintenance) stop() {
	<-m.cron.Stop().Done()
}
