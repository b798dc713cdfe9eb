// Package api defines wire-format types and converters shared by the IPC
// surface and the read-only HTTP status API. It translates queue and registry
// models into transport-friendly DTOs that the CLI and other consumers can
// render without coupling to internal types.
//
// # Key Types
//
// Job: a queue entry with its status code, label, sample, pipeline and
// timestamps.
//
// Pipeline: bindings, loaded sample, ready flag, running job and the
// capabilities currently offered by registered components.
//
// Component and Driver: registration and process state.
//
// DaemonStatus: aggregated runtime information.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Job statuses are exposed as their stable
// short codes (q, qw, r, rd, c, ce, cd) with the long label alongside.
// Timestamps use RFC3339 with milliseconds.
package api
