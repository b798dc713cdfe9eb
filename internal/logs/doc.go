// Package logs locates and tails the log files written by tomato processes.
//
// Every process writes its own file: the daemon and each driver under
// paths.log_dir, and each job process inside its job directory. The helpers
// here keep those names in one place so that the processes and the
// "tomato log" command agree on them.
package logs
