// Package config loads, normalizes, and validates tomato daemon settings.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads the TOML settings file shared by the daemon, driver
// processes, job processes and the CLI. Per-driver settings tables are kept
// as loosely typed maps because each hardware backend defines its own keys;
// helpers expose the keys the core engine understands, such as the idle
// measurement interval.
//
// Always obtain settings through this package so downstream code receives
// absolute paths, canonical log formats, and clear validation errors.
package config
