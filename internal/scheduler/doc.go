// Package scheduler runs the periodic matching pass that pairs queued jobs
// with pipelines.
//
// A pass first reconciles jobs whose job process died, then walks queued and
// waiting jobs in submission order. A pipeline whose registered components
// offer every technique and bind every role of the payload moves a queued job
// to waiting. When that pipeline also holds the job's sample and is ready, the
// job is admitted: the store assigns it atomically, the job description is
// written into the job directory and a job process is spawned. A pipeline is
// given to at most one job per pass and each job is matched to at most one
// pipeline.
package scheduler
