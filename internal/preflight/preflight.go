package preflight

import (
	"tomato/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every preflight check for cfg.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("App directory", cfg.Paths.AppDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Jobs directory", cfg.Paths.JobsDir),
	}
	devices, topo := CheckDevicesFile(cfg.Paths.DevicesFile)
	results = append(results, devices)
	if topo != nil {
		results = append(results, CheckDrivers(topo.DriverNames())...)
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
