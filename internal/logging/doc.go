// Package logging assembles structured slog loggers shared by the daemon,
// driver processes and job processes.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so request handlers can tag
// log lines with job identifiers and correlation IDs. Each process writes its
// own file in the configured log directory; retention helpers prune old files
// on the maintenance schedule.
package logging
