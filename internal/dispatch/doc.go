// Package dispatch executes submitted plugin jobs in sandboxed worker
// processes.
//
// Submit creates the job's trace hub first, so an observer can subscribe
// before anything runs, then records the job as queued in SQLite. Worker
// loops dequeue jobs in FIFO order and run each one through a fresh
// Runnable:
//
//   - bootstrap: spawn the worker and handshake
//   - link: symlink the plugin package into the sandbox work dir
//   - start: load and start the package with the job arguments
//   - value_of: materialize the result handle
//   - destroy: shut the worker down, killing it if it does not comply
//
// Every step publishes job_status events with the step name, its
// start/end marker and the current queue length. The job's outcome is
// recorded, then its trace is destroyed with the job error, if any.
//
// Status mapping:
//   - unknown plugin, bootstrap, load or plugin error → failed
//   - a worker call exceeding its bound → timed_out
//   - value materialized → succeeded
package dispatch
