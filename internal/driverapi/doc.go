// Package driverapi defines the capability interface (version 2.1) that
// hardware backends implement, together with the attribute validation rules
// shared by every driver process.
//
// A backend supplies a Factory that binds one component (a device channel) and
// returns a Device. The driver host in package driver owns task queues, caches
// and gating; backends only expose attributes, capabilities and measurements.
// Optional interfaces (TaskPreparer, TaskHooks, TaskPoller, IdleIntervaler)
// let a backend customise task execution.
//
// Errors returned by backends are classified with ErrValidation,
// ErrConnection or the ErrorClassifier interface. Anything unclassified is
// treated as fatal by the host.
package driverapi
