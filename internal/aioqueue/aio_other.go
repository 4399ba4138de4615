//go:build !linux

package aioqueue

import (
	"errors"

	"github.com/tapdisk3/vhdcore/internal/ioopt"
)

// aioRing is unavailable on non-Linux platforms; newAIORing always fails so
// New transparently falls back to ModeSync. The method set below exists
// only so Queue compiles here; it is never reached since q.mode can never
// become ModeAIO on this platform.
type aioRing struct{}

var errAIOUnsupported = errors.New("aioqueue: kernel AIO is only supported on linux")

func newAIORing(capacity int) (*aioRing, error) {
	return nil, errAIOUnsupported
}

func (r *aioRing) destroy() error { return nil }

func (r *aioRing) submit(batch []Request, merged []ioopt.Merged) (int, error) {
	return 0, errAIOUnsupported
}

func (r *aioRing) reap(maxEvents int) (int, error) {
	return 0, errAIOUnsupported
}
