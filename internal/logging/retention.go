package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionTarget selects files to prune: a directory, a glob pattern on the
// base name, and absolute paths that must be kept (for example the active log).
type RetentionTarget struct {
	Dir     string
	Pattern string
	Keep    []string
}

// CleanupOldLogs removes files matching the targets whose modification time is
// older than retentionDays and returns how many were removed. Zero disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, target := range targets {
		removed += pruneTarget(logger, target, cutoff)
	}
	return removed
}

func pruneTarget(logger *slog.Logger, target RetentionTarget, cutoff time.Time) int {
	if target.Dir == "" {
		return 0
	}
	keep := make(map[string]struct{}, len(target.Keep))
	for _, path := range target.Keep {
		if abs, err := filepath.Abs(path); err == nil {
			keep[abs] = struct{}{}
		}
	}
	pattern := target.Pattern
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(target.Dir, pattern))
	if err != nil {
		return 0
	}

	removed := 0
	for _, path := range matches {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, skip := keep[abs]; skip {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(abs); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", abs),
				Error(err),
				String(FieldErrorHint, "check file permissions of the log directory"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed++
		if logger != nil {
			logger.Debug("log pruned", String("path", abs), String(FieldEventType, "log_pruned"))
		}
	}
	return removed
}
