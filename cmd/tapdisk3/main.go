// Command tapdisk3 is the per-disk backend process of spec.md §5: it owns
// one open VHD chain, serves requests through the single-threaded
// cooperative event loop (internal/scheduler), issues I/O through
// internal/aioqueue, and sequences block allocation through internal/txn.
//
// The control-plane daemon that spawns this process, the message framing
// over named pipes, and the shared-memory grant-table ring connecting to
// the hypervisor frontend are all out of scope (§1) and are not
// implemented here; this process models the lifecycle and concurrency
// rules §5 actually specifies for the backend itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tapdisk3/vhdcore"
	"github.com/tapdisk3/vhdcore/internal/dotlock"
	"github.com/tapdisk3/vhdcore/internal/notifyfd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

func main() {
	if err := run(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	if kind, ok := vhderr.Of(err); ok {
		fmt.Fprintf(os.Stderr, "tapdisk3: %v\n", err)
		os.Exit(kind.Errno())
	}
	fmt.Fprintf(os.Stderr, "tapdisk3: %v\n", err)
	os.Exit(1)
}

func run() error {
	name := flag.String("n", "", "path of the VHD image to serve")
	readOnly := flag.Bool("r", false, "open the image read-only")
	lockHost := flag.String("lockhost", "", "host identity for the dot-lock (spec.md §4.9)")
	lockUUID := flag.String("lockuuid", "", "uuid identity for the dot-lock (spec.md §4.9)")
	force := flag.Bool("force", false, "steal a conflicting dot-lock instead of failing")
	progressTimeout := flag.Duration("progress-timeout", 30*time.Second, "dump state if no progress is made within this long")
	retryInterval := flag.Duration("retry-interval", 5*time.Second, "how often the failed-request list is resubmitted")
	strict := flag.Bool("strict", false, "log loudly when no progress has been made within the progress timeout")
	diagPrefix := flag.String("diag", "", "if set, write periodic state dumps to $TMPDIR/tapdisk3.diag/<prefix>.*")
	cbtLog := flag.String("cbt-log", "", "if set, path of a change-block-tracking log (spec.md §4.12) to mark as blocks are written")
	flag.Parse()

	if *name == "" {
		return vhderr.New(vhderr.InvalidFormat, "tapdisk3: -n <file> is required")
	}

	b, err := newBackend(backendConfig{
		path:            *name,
		readOnly:        *readOnly,
		lockHost:        *lockHost,
		lockUUID:        *lockUUID,
		forceLock:       *force,
		progressTimeout: *progressTimeout,
		retryInterval:   *retryInterval,
		strict:          *strict,
		diagPrefix:      *diagPrefix,
		cbtLogPath:      *cbtLog,
	})
	if err != nil {
		return err
	}

	vhdcore.RegisterAtExit(b.shutdown)
	notifyfd.MustWritePID()

	ctx, cancel := vhdcore.InterruptibleContext()
	defer cancel()
	b.stop = cancel

	b.serve(ctx)

	return vhdcore.RunAtExit()
}

// acquireLock is a thin wrapper kept separate so backend construction reads
// top-to-bottom as "lock, then open, then wire the engine" (spec.md §4.9
// acquire-before-open ordering).
func acquireLock(path, host, uuid string, force bool) (*dotlock.Lock, error) {
	if host == "" || uuid == "" {
		return nil, nil // lock identity not supplied: running unlocked (e.g. under a test harness)
	}
	return dotlock.Acquire(path, host, uuid, dotlock.ModeWriter, force)
}
