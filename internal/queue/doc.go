// Package queue persists jobs, pipelines, components and drivers in SQLite
// and exposes the guarded state transitions the scheduler relies on.
//
// The daemon is the only writer. Every status change is a compare-and-swap on
// the current status, and the two multi-row changes (admitting a job onto a
// pipeline and releasing it) run in a single transaction so that a pipeline
// never holds a job that is not running and a running job always holds its
// pipeline.
//
// The database lives at <app_dir>/queue_<port>.db. Schema changes bump the
// version in schema.go; users clear the database to adopt the new schema.
package queue
