// Package notifyfd reports the per-disk backend process's PID back to its
// parent over an inherited file descriptor (spec.md §5: "The per-disk
// backend process reports its PID back to its parent via an inherited file
// descriptor"), adapted from the teacher's internal/addrfd, which does the
// same for a listening address rather than a PID.
package notifyfd

import (
	"flag"
	"fmt"
	"os"
)

var notifyFD = flag.Int("notifyfd", -1, "file descriptor on which to report this process's PID to its parent")

// MustWritePID writes this process's PID to the fd passed via -notifyfd, if
// any, then closes it. It must be called precisely once, after the image
// has been opened and the scheduler is ready to serve requests.
func MustWritePID() {
	WritePIDTo(*notifyFD, os.Getpid())
}

// WritePIDTo writes pid to fd and closes it; fd == -1 is a no-op, matching
// the "-addrfd -1 means disabled" convention of the teacher's original.
func WritePIDTo(fd int, pid int) {
	if fd == -1 {
		return
	}
	f := os.NewFile(uintptr(fd), "")
	if _, err := fmt.Fprintf(f, "%d", pid); err != nil {
		// The parent is gone or the fd is bad; there is nothing more
		// useful to do than report it and let the caller decide whether
		// to treat this as fatal.
		fmt.Fprintln(os.Stderr, "notifyfd: write failed:", err)
	}
	f.Close()
}
