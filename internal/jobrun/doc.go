// Package jobrun is the job process: it executes one admitted job against the
// components of its pipeline.
//
// The scheduler writes jobdata.json into the job directory and spawns
// "tomato job". Run attaches to the daemon, which returns the driver endpoint
// of every role, then drives one goroutine per role. Each role submits its
// tasks in order, polls task status and drains data at the device pollrate,
// and appends records to <role>.data.jsonl in the job directory. Gate starts
// observed on one driver are forwarded to the other drivers of the job.
//
// The job status is polled from the daemon; a cancel request stops the tasks
// and releases the job as cancelled. A failed task stops the other roles and
// releases the job as failed. On success the role files are merged into the
// output file and the job is released as completed.
package jobrun
