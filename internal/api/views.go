package api

import (
	"sort"
	"time"
)

// SortJobsNewestFirst orders jobs by SubmittedAt descending, breaking ties by ID descending.
func SortJobsNewestFirst(jobs []Job) []Job {
	if len(jobs) == 0 {
		return nil
	}
	sorted := make([]Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool {
		ti := ParseTime(sorted[i].SubmittedAt)
		tj := ParseTime(sorted[j].SubmittedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})
	return sorted
}

// ParseTime parses an API timestamp; malformed or empty values yield the zero time.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

// Elapsed returns how long a job ran, or has been running as of now.
func Elapsed(job Job, now time.Time) time.Duration {
	start := ParseTime(job.ExecutedAt)
	if start.IsZero() {
		return 0
	}
	end := ParseTime(job.CompletedAt)
	if end.IsZero() {
		end = now
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
