// Package scheduler implements the single-threaded cooperative event loop
// of spec.md §4.8: a select-based tick over fd readability/writability and
// timeout events, recursion-safe so a callback may drive the loop again.
package scheduler

import (
	"time"

	"golang.org/x/sys/unix"
)

// Mode bits an event may be registered for.
type Mode int

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeExcept
	ModeTimeout
)

// TVInf means "no timeout contribution" (spec.md §4.8).
const TVInf = time.Duration(-1)

// ID is a strictly-positive, monotonically-increasing event identifier.
type ID uint64

// Callback is invoked when an event's fd fires or its deadline passes. The
// callback may register, unregister, mask, or unmask events, including
// re-entering Tick.
type Callback func()

type event struct {
	id       ID
	mode     Mode
	fd       int
	timeout  time.Duration
	deadline time.Time
	cb       Callback
	masked   bool
	dead     bool
	pending  bool
}

// Scheduler owns the event list; it has no goroutines of its own — the
// caller drives it by calling Tick repeatedly (spec.md §5: "single-threaded
// and cooperative... Suspension points occur exclusively at select").
type Scheduler struct {
	events  []*event
	byID    map[ID]*event
	nextID  ID
	nowFunc func() time.Time

	inTick int // recursion depth, for the recursion-safety rule
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{byID: make(map[ID]*event), nextID: 1, nowFunc: time.Now}
}

// Register adds a new event and returns its id (spec.md §4.8: "Register
// returns a strictly-positive monotonically-increasing identifier (overflow
// wraps, skipping in-use ids)").
func (s *Scheduler) Register(mode Mode, fd int, timeout time.Duration, cb Callback) ID {
	id := s.allocID()
	e := &event{id: id, mode: mode, fd: fd, timeout: timeout, cb: cb}
	if mode&ModeTimeout != 0 && timeout != TVInf {
		e.deadline = s.nowFunc().Add(timeout)
	}
	s.events = append(s.events, e)
	s.byID[id] = e
	return id
}

func (s *Scheduler) allocID() ID {
	for {
		id := s.nextID
		s.nextID++
		if s.nextID == 0 { // wrapped past the uint64 max; 0 is never issued
			s.nextID = 1
		}
		if _, inUse := s.byID[id]; !inUse {
			return id
		}
	}
}

// Unregister marks an event dead; it is reclaimed at the end of the
// outermost Tick (spec.md §4.8).
func (s *Scheduler) Unregister(id ID) {
	if e, ok := s.byID[id]; ok {
		e.dead = true
	}
}

// Mask/Unmask suspend or resume delivery without removing the event.
func (s *Scheduler) Mask(id ID)   { s.setMasked(id, true) }
func (s *Scheduler) Unmask(id ID) { s.setMasked(id, false) }

func (s *Scheduler) setMasked(id ID, v bool) {
	if e, ok := s.byID[id]; ok {
		e.masked = v
	}
}

// Tick runs one iteration: compute the select timeout, call select, mark
// fired/expired events pending, dispatch every pending callback exactly
// once, and (at the outermost call) garbage-collect dead events (spec.md
// §4.8). It is recursion-safe: a nested call that finds events already
// pending dispatches them and returns without calling select again.
func (s *Scheduler) Tick(maxTimeout time.Duration) error {
	s.inTick++
	defer func() {
		s.inTick--
		if s.inTick == 0 {
			s.gc()
		}
	}()

	if s.hasPending() {
		s.dispatchPending()
		return nil
	}

	readFDs, writeFDs, exceptFDs, maxFD := s.buildFDSets()
	timeout := s.computeTimeout(maxTimeout)

	if maxFD >= 0 || timeout != TVInf {
		if err := doSelect(readFDs, writeFDs, exceptFDs, maxFD, timeout); err != nil {
			return err
		}
	}

	now := s.nowFunc()
	for _, e := range s.events {
		if e.dead || e.masked {
			continue
		}
		fired := false
		if e.mode&ModeRead != 0 && containsFD(readFDs, e.fd) {
			fired = true
		}
		if e.mode&ModeWrite != 0 && containsFD(writeFDs, e.fd) {
			fired = true
		}
		if e.mode&ModeExcept != 0 && containsFD(exceptFDs, e.fd) {
			fired = true
		}
		if e.mode&ModeTimeout != 0 && e.timeout != TVInf && !now.Before(e.deadline) {
			fired = true
		}
		if fired {
			e.pending = true
		}
	}

	s.dispatchPending()
	return nil
}

func (s *Scheduler) hasPending() bool {
	for _, e := range s.events {
		if e.pending && !e.dead {
			return true
		}
	}
	return false
}

// dispatchPending fires every pending callback exactly once, resetting
// pending before the call so a callback may re-arm itself (spec.md §4.8).
// Callbacks fire in registration order (spec.md §5 ordering guarantees).
func (s *Scheduler) dispatchPending() {
	for _, e := range s.events {
		if e.dead || !e.pending {
			continue
		}
		e.pending = false
		if e.mode&ModeTimeout != 0 && e.timeout != TVInf {
			e.deadline = s.nowFunc().Add(e.timeout)
		}
		e.cb()
	}
}

func (s *Scheduler) computeTimeout(maxTimeout time.Duration) time.Duration {
	timeout := maxTimeout
	now := s.nowFunc()
	for _, e := range s.events {
		if e.dead || e.masked || e.mode&ModeTimeout == 0 || e.timeout == TVInf {
			continue
		}
		remaining := e.deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if timeout == TVInf || remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (s *Scheduler) buildFDSets() (read, write, except []int, maxFD int) {
	maxFD = -1
	for _, e := range s.events {
		if e.dead || e.masked {
			continue
		}
		if e.mode&ModeRead != 0 {
			read = append(read, e.fd)
		}
		if e.mode&ModeWrite != 0 {
			write = append(write, e.fd)
		}
		if e.mode&ModeExcept != 0 {
			except = append(except, e.fd)
		}
		if (e.mode&(ModeRead|ModeWrite|ModeExcept) != 0) && e.fd > maxFD {
			maxFD = e.fd
		}
	}
	return read, write, except, maxFD
}

func containsFD(fds []int, fd int) bool {
	for _, f := range fds {
		if f == fd {
			return true
		}
	}
	return false
}

// gc reclaims events marked dead; only called at the outermost Tick.
func (s *Scheduler) gc() {
	live := s.events[:0]
	for _, e := range s.events {
		if e.dead {
			delete(s.byID, e.id)
			continue
		}
		live = append(live, e)
	}
	s.events = live
}

// doSelect wraps unix.Select, converting int fd slices into unix.FdSet bit
// vectors, mirroring the libc select(2) usage the original scheduler wraps.
func doSelect(read, write, except []int, maxFD int, timeout time.Duration) error {
	if maxFD < 0 {
		// Only timeout events are registered; sleep instead of selecting
		// on an empty fd set.
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}
	var readSet, writeSet, exceptSet unix.FdSet
	for _, fd := range read {
		fdSet(&readSet, fd)
	}
	for _, fd := range write {
		fdSet(&writeSet, fd)
	}
	for _, fd := range except {
		fdSet(&exceptSet, fd)
	}

	var tv *unix.Timeval
	if timeout != TVInf {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}
	_, err := unix.Select(maxFD+1, &readSet, &writeSet, &exceptSet, tv)
	if err == unix.EINTR {
		return nil
	}
	// Re-derive which fds actually fired: unix.FdSet is mutated in place
	// by Select, so the caller's read/write/except slices (built from
	// event state, not from the post-select bitmask) double as the "was
	// this fd in the request set" answer; membership after the call is
	// refined by FdIsSet.
	filterFired(read, &readSet)
	filterFired(write, &writeSet)
	filterFired(except, &exceptSet)
	return err
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << uint(fd%64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}

// filterFired compacts fds in place to just those still set in set after
// Select returns, so Tick's containsFD scan only matches fds that actually
// fired.
func filterFired(fds []int, set *unix.FdSet) {
	n := 0
	for _, fd := range fds {
		if fdIsSet(set, fd) {
			fds[n] = fd
			n++
		}
	}
	for i := n; i < len(fds); i++ {
		fds[i] = -1
	}
}
