package main

import (
	"fmt"

	"github.com/tapdisk3/vhdcore/internal/aioqueue"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// queueDisk adapts internal/aioqueue.Queue to the synchronous internal/txn.Disk
// contract: issue one request, let it run to completion, report any error.
// The queue is always constructed in aioqueue.ModeSync here (see backend.go)
// since txn.Engine's interface is itself synchronous by construction
// (spec.md §4.7) and this build has no externally-driven async request
// source to justify reaping completions out of band (the grant-table ring
// that would supply one is explicitly out of scope, §1).
type queueDisk struct {
	q  *aioqueue.Queue
	fd int
}

func (d *queueDisk) WriteAt(buf []byte, off int64) error { return d.do(true, buf, off) }
func (d *queueDisk) ReadAt(buf []byte, off int64) error  { return d.do(false, buf, off) }

func (d *queueDisk) do(write bool, buf []byte, off int64) error {
	var res int64
	d.q.Enqueue(aioqueue.Request{
		Fd: d.fd, Write: write, Buf: buf, Offset: off,
		Complete: func(r int64) { res = r },
	})
	if err := d.q.Submit(); err != nil {
		return err
	}
	if res < 0 {
		return vhderr.New(vhderr.Io, fmt.Sprintf("tapdisk3: I/O failed with errno %d", -res))
	}
	return nil
}
