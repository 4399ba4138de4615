// Package aioqueue implements the async I/O queue (spec.md §4.5): a
// fixed-size ring of in-flight kernel AIO requests with a deferred queue
// for backpressure, and a synchronous pread/pwrite fallback path selected
// at queue creation time. Request merging is delegated to internal/ioopt
// before submission.
package aioqueue

import (
	"golang.org/x/sys/unix"

	"github.com/tapdisk3/vhdcore/internal/ioopt"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Request is one pending I/O, matching the prep-function tuple of spec.md
// §4.5: "(fd, op, buf, size, offset, completion)".
type Request struct {
	Fd       int
	Write    bool
	Buf      []byte
	Offset   int64
	Complete func(res int64)
}

// Mode selects the submission path.
type Mode int

const (
	// ModeAIO uses the kernel async I/O facility (io_setup/io_submit/
	// io_getevents), falling back to ModeSync transparently when the
	// process-wide aio context limit is exhausted (spec.md §5 "the queue
	// falls back to synchronous mode when the limit is exhausted").
	ModeAIO Mode = iota
	// ModeSync performs pread/pwrite with loop-until-complete semantics
	// (spec.md §4.5: "used by utilities").
	ModeSync
)

// Queue is the async I/O queue for a single image file descriptor.
type Queue struct {
	mode     Mode
	capacity int

	pending  []Request // awaiting submission this tick
	deferred []Request // awaiting queue space (EAGAIN backpressure)
	inFlight int

	ring *aioRing // nil in ModeSync
}

// New creates a Queue with the given ring capacity. mode is a hint; if
// ModeAIO setup fails (e.g. the platform has no AIO support, or the
// process-wide context limit is exhausted), the queue transparently
// downgrades to ModeSync.
func New(capacity int, mode Mode) *Queue {
	q := &Queue{mode: ModeSync, capacity: capacity}
	if mode == ModeAIO {
		if ring, err := newAIORing(capacity); err == nil {
			q.ring = ring
			q.mode = ModeAIO
		}
	}
	return q
}

// Mode reports the path this queue actually ended up using.
func (q *Queue) Mode() Mode { return q.mode }

// Close releases the kernel AIO context, if any.
func (q *Queue) Close() error {
	if q.ring != nil {
		return q.ring.destroy()
	}
	return nil
}

// Enqueue appends a request for submission on the next Submit call. Full
// capacity defers the request rather than rejecting it outright (spec.md
// §4.5 "deferred ... awaiting queue space").
func (q *Queue) Enqueue(r Request) {
	if q.inFlight+len(q.pending) >= q.capacity {
		q.deferred = append(q.deferred, r)
		return
	}
	q.pending = append(q.pending, r)
}

// Submit merges the pending batch via internal/ioopt and issues it. In
// ModeSync it performs the I/O immediately and invokes every completion
// before returning. In ModeAIO it hands the merged control blocks to the
// kernel and returns once they have all been accepted (Reap must be called
// separately to collect completions).
func (q *Queue) Submit() error {
	if len(q.pending) == 0 {
		return nil
	}
	batch := q.pending
	q.pending = nil

	if q.mode == ModeSync {
		for _, r := range batch {
			res := syncIO(r)
			r.Complete(res)
		}
		q.promoteDeferred()
		return nil
	}

	ops := make([]ioopt.Op, len(batch))
	for i, r := range batch {
		ops[i] = ioopt.Op{Write: r.Write, Offset: r.Offset, Nbytes: int64(len(r.Buf)), BufAddr: bufAddr(r.Buf)}
	}
	merged := ioopt.Merge(ops)

	submitted, err := q.ring.submit(batch, merged)
	q.inFlight += submitted
	if err == unix.EAGAIN {
		q.deferred = append(q.deferred, batch[submitted:]...)
		return nil
	}
	if submitted < len(batch) {
		// A partial submission fails the unsubmitted tail with -EIO
		// (spec.md §4.5).
		for _, r := range batch[submitted:] {
			r.Complete(-int64(unix.EIO))
		}
	}
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "aio submit", err)
	}
	q.promoteDeferred()
	return nil
}

// Reap collects completed kernel events and invokes their completions,
// returning the number reaped. No-op in ModeSync, where completions fire
// synchronously inside Submit.
func (q *Queue) Reap(maxEvents int) (int, error) {
	if q.mode == ModeSync {
		return 0, nil
	}
	n, err := q.ring.reap(maxEvents)
	q.inFlight -= n
	if q.inFlight < 0 {
		q.inFlight = 0
	}
	if n > 0 {
		q.promoteDeferred()
	}
	if err != nil {
		return n, vhderr.Wrap(vhderr.Io, "aio reap", err)
	}
	return n, nil
}

func (q *Queue) promoteDeferred() {
	for len(q.deferred) > 0 && q.inFlight+len(q.pending) < q.capacity {
		q.pending = append(q.pending, q.deferred[0])
		q.deferred = q.deferred[1:]
	}
}

func syncIO(r Request) int64 {
	done := 0
	for done < len(r.Buf) {
		var n int
		var err error
		if r.Write {
			n, err = unix.Pwrite(r.Fd, r.Buf[done:], r.Offset+int64(done))
		} else {
			n, err = unix.Pread(r.Fd, r.Buf[done:], r.Offset+int64(done))
		}
		if err != nil {
			if errno, ok := err.(unix.Errno); ok {
				return -int64(errno)
			}
			return -int64(unix.EIO)
		}
		if n == 0 {
			break
		}
		done += n
	}
	return int64(done)
}
