// Package procfn runs plain functions in child processes with
// goroutine-like ergonomics. A call hands over one serializable
// argument, re-executes the current binary, and delivers the typed
// result (or a reconstructed remote panic) through a join handle.
//
// No code ever crosses the process boundary. Parent and child are the
// same binary image, so a function is identified by its offset inside
// the loaded object that contains it; the child resolves that offset
// back to the same function before invoking it.
//
// Init must run at the very top of main (and of TestMain, via the
// procfntest package): in a worker child it takes over the process and
// never returns, which is what keeps the rest of the user program from
// running inside workers.
package procfn
