// Package topology parses the devices file into drivers, devices, components
// and pipelines.
package topology
