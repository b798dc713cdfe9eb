// Package notifications delivers daemon events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// settings.toml and degrades to a no-op when no topic is set. The event set
// is small: finished jobs, components that gave up registering, and a test
// message for checking the setup.
package notifications
