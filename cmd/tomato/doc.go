// Package main hosts the tomato CLI entrypoint and command graph.
//
// One binary plays every role. "tomato daemon", "tomato driver" and
// "tomato job <jobfile>" are the long-running processes; the daemon spawns
// the other two. Every other command is a short-lived client that talks to
// the daemon on 127.0.0.1:<port>, or to a driver process for component
// attributes.
//
// Keep this package lean: behavior belongs in the internal packages, and
// commands here only resolve configuration, call them and render results.
package main
