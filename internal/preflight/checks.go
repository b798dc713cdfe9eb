package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"tomato/internal/driverapi"
	"tomato/internal/topology"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDevicesFile parses the devices file. The parsed topology is returned
// when the check passes.
func CheckDevicesFile(path string) (Result, *topology.Topology) {
	const name = "Devices file"
	if path == "" {
		return Result{Name: name, Detail: "not configured"}, nil
	}
	topo, err := topology.Load(path)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}, nil
	}
	detail := fmt.Sprintf("%s (%d devices, %d pipelines)", path, len(topo.Devices), len(topo.Pipelines))
	return Result{Name: name, Passed: true, Detail: detail}, topo
}

// CheckDrivers reports whether this binary carries a backend for every named
// driver.
func CheckDrivers(names []string) []Result {
	results := make([]Result, 0, len(names))
	for _, name := range names {
		label := "Driver " + name
		if _, ok := driverapi.Lookup(name); !ok {
			results = append(results, Result{Name: label, Detail: "no backend with this name is built in"})
			continue
		}
		results = append(results, Result{Name: label, Passed: true, Detail: "backend available"})
	}
	return results
}
