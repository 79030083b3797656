/*
Package forker starts worker processes as a two-level process tree and reports their exit status asynchronously.

The Go runtime cannot keep running in the child of a bare fork(2), so "forking" here means re-executing the binary that is already running (/proc/self/exe) into a role. Programs using this package must call Init first thing in main, and in TestMain for tests:

	func main() {
		forker.Init(worker.Main)
		...
	}

Start builds this tree:

	caller (e.g. the warm server)
	└── intermediate   direct child of the caller, reaped by a dedicated goroutine
	    └── worker     runs the Payload exactly once, then exits

The intermediate exists so the caller never waits on the worker itself. It reports the worker's pid, and later its exit status, to the caller over a socketpair.

In the PTY variant the worker is the session leader of a freshly allocated pseudo-terminal, which becomes its controlling terminal. The pty master is handed back to the caller over the same socketpair.

This package only works on Linux.
*/
package forker
