// Package driver hosts the components of one driver process.
//
// A Host binds components through a driverapi.Factory, retries transient
// registration failures, and runs one actor goroutine per component. The
// actor owns the data cache and task bookkeeping; a separate executor
// goroutine drains the bounded task queue one task at a time. Task start
// gates are shared by every component of the host and scoped per job so that
// start_with/stop_with relations can be evaluated locally, while the job
// process forwards gate signals between driver processes.
package driver
