// Package daemon coordinates the long-running tomato process of one port.
//
// A Daemon owns the singleton lock, the Tomato RPC service, the driver
// processes, the scheduling loop and the periodic driver checkpoint. Optional
// helpers hang off the same lifecycle: a file watcher that reloads on edits,
// a cron driven maintenance schedule, a udev monitor hinting at reconnected
// hardware and a read-only HTTP status API.
//
// Keep orchestration here. Matching lives in scheduler, persistence in queue
// and the pipeline cache in registry; the daemon only wires them together and
// decides when they run.
package daemon
