// Package registry is the pipeline registry: it keeps the persisted topology
// of drivers, components and pipelines in step with the devices file and
// implements the sample operations (load, eject, ready) on top of the queue
// store.
//
// Pipeline state (sample, ready flag, running job) is always read from the
// store because admission and release happen there in single transactions.
// Component and driver rows are cached in memory and only change through the
// registry.
package registry
