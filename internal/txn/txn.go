// Package txn implements the transaction engine of spec.md §4.7: it
// sequences data-write → bitmap-write → BAT-write so that allocating a new
// block remains crash-consistent, using the "preallocate-first" policy
// resolved for Open Question (a) — the new block's bitmap+data region is
// zero-filled synchronously before the BAT entry is touched.
package txn

import (
	"time"

	"github.com/tapdisk3/vhdcore/internal/bitmapcache"
	"github.com/tapdisk3/vhdcore/internal/cbt"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// MaxRetries is TD_MAX_RETRIES: the retry cap beyond which a failing
// request's error is surfaced and the image is marked dead (spec.md §4.7).
const MaxRetries = 5

// WriteOp is one queued data write participating in a transaction.
type WriteOp struct {
	Block         int
	SectorInBlock int
	Nsectors      int
	Complete      func(err error)

	lastTry    time.Time
	retries    int
}

// txnState is the lifecycle of one block's transaction (spec.md §4.7
// invariant (c): "at most one transaction per bitmap is live at a time").
type txnState int

const (
	txnClosed txnState = iota // no transaction in flight; queued writes start a new one
	txnOpen                   // accepting data writes
	txnBitmapPending          // all data writes landed; bitmap write in flight
	txnBATPending             // bitmap landed; BAT write in flight (new blocks only)
)

// blockTxn tracks one block's in-flight transaction.
type blockTxn struct {
	state       txnState
	closed      bool       // true once the last member's data write has landed; no further joins (spec.md §3)
	shadow      []byte     // working bitmap copy; becomes canonical on success
	members     []*WriteOp // every write that has joined this transaction, in join order
	outstanding int        // number of members whose data write has not yet completed
	firstErr    error      // first data-write error observed among members, if any
	queued      []*WriteOp // arrived after this transaction closed; starts the next transaction
	updateBAT   bool
	newOffset   int64 // PBW offset, if this transaction allocates a new block
}

// Disk is the minimal synchronous I/O surface the engine needs; the real
// implementation issues through internal/aioqueue, but the engine itself is
// I/O-mechanism agnostic (spec.md §4.7 describes ordering, not transport).
type Disk interface {
	WriteAt(buf []byte, off int64) error
	ReadAt(buf []byte, off int64) error
}

// Engine drives transactions for one image's BAT and bitmap cache.
type Engine struct {
	disk   Disk
	header *vhd.Header
	bat    vhd.BAT
	cache  *bitmapcache.Cache

	batLocked bool
	nextDB    int64 // next free sector offset for a new block allocation

	live   map[int]*blockTxn
	failed []*WriteOp

	dead bool

	cbtLog *cbt.Log // nil unless change-block-tracking is enabled for this image
}

// EnableCBT arms change-block-tracking: every block whose transaction
// commits successfully from here on is marked changed in log (spec.md
// §4.12). Blocks already written before this call are not retroactively
// marked, matching the original's notion of a log as tracking changes since
// it was created or last marked consistent.
func (e *Engine) EnableCBT(log *cbt.Log) { e.cbtLog = log }

// New constructs an Engine. nextDB is the next free sector offset at which
// a new block (bitmap+data) may be allocated.
func New(disk Disk, header *vhd.Header, bat vhd.BAT, cache *bitmapcache.Cache, nextDB int64) *Engine {
	return &Engine{disk: disk, header: header, bat: bat, cache: cache, nextDB: nextDB, live: make(map[int]*blockTxn)}
}

// Dead reports whether the image has been poisoned by retry exhaustion
// (spec.md §4.7: "the image is marked dead (queue drained, subsequent
// requests synthesise EIO)").
func (e *Engine) Dead() bool { return e.dead }

// Submit enqueues a data write for block, joining its live transaction —
// whether or not other members of that transaction are still in flight — or
// starting a new one (allocating the block first if its BAT entry is
// unallocated). Per spec.md §3, a transaction stays open to new joiners
// until it is *closed*, which happens only once its last member's data
// write has completed (see DataWriteComplete); a write arriving for a
// transaction that has already closed is deferred to the next one.
func (e *Engine) Submit(op *WriteOp) {
	if e.dead {
		op.Complete(vhderr.New(vhderr.QueueDead, "image is dead"))
		return
	}

	t, ok := e.live[op.Block]
	if ok && t.closed {
		t.queued = append(t.queued, op)
		return
	}

	if !ok {
		t = &blockTxn{}
		if err := e.openTransaction(op.Block, t); err != nil {
			op.Complete(err)
			return
		}
		e.live[op.Block] = t
	}
	e.joinTransaction(t, op)
}

// openTransaction allocates the block if necessary (preallocate-first:
// synchronously zero-fill bitmap+data before touching the BAT) and arms a
// fresh shadow bitmap copy.
func (e *Engine) openTransaction(block int, t *blockTxn) error {
	spb := e.header.SectorsPerBlock()
	bmSectors := e.header.BitmapSectors()

	if !e.bat.Allocated(block) {
		if e.batLocked {
			return vhderr.New(vhderr.Busy, "BAT lock held by another allocation")
		}
		e.batLocked = true
		defer func() { e.batLocked = false }()

		offset := e.nextDB
		zeroRegion := make([]byte, (bmSectors+int64(spb))*vhd.SectorSize)
		if err := e.disk.WriteAt(zeroRegion, offset*vhd.SectorSize); err != nil {
			return vhderr.Wrap(vhderr.Io, "preallocate new block", err)
		}
		t.newOffset = offset
		t.updateBAT = true
		t.shadow = make([]byte, bmSectors*vhd.SectorSize)
	} else {
		bitmap, ok := e.cache.Lookup(block)
		if !ok {
			off := vhd.SectorsToBytes(int64(e.bat[block]))
			bitmap = make([]byte, bmSectors*vhd.SectorSize)
			if err := e.disk.ReadAt(bitmap, off); err != nil {
				return vhderr.Wrap(vhderr.Io, "read bitmap for transaction", err)
			}
			entry, err := e.cache.Allocate(block)
			if err != nil {
				return err
			}
			entry.Store(bitmap)
		}
		t.shadow = append([]byte(nil), bitmap...)
	}
	t.state = txnOpen
	return nil
}

func (e *Engine) joinTransaction(t *blockTxn, op *WriteOp) {
	for i := 0; i < op.Nsectors; i++ {
		bitmapcache.SetSectorBit(t.shadow, op.SectorInBlock+i, true)
	}
	t.members = append(t.members, op)
	t.outstanding++
}

// DataWriteComplete is invoked by the caller once the underlying data write
// for op has landed on disk (successfully or not). Once every member that
// has joined the transaction so far has reported, the transaction closes
// (spec.md §3: "closed once the last data write completes") and the bitmap
// write is issued — or, if any member failed, skipped in favor of retrying
// the whole batch (original_source/drivers/block-vhd.c's
// finish_bitmap_transaction: a tx-level error reverts shadow and signals
// every member, not just the one that failed).
func (e *Engine) DataWriteComplete(block int, op *WriteOp, err error) {
	t, ok := e.live[block]
	if !ok {
		return
	}
	if err != nil && t.firstErr == nil {
		t.firstErr = err
	}
	t.outstanding--
	if t.outstanding > 0 {
		return // other members of this transaction are still in flight
	}
	t.closed = true
	if t.firstErr != nil {
		e.abortTransaction(block, t)
		return
	}
	e.commitBitmap(block, t)
}

func (e *Engine) commitBitmap(block int, t *blockTxn) {
	t.state = txnBitmapPending
	bmOff := bitmapOffset(e.bat, block, e.header, t)
	if err := e.disk.WriteAt(t.shadow, bmOff); err != nil {
		e.bitmapWriteFailed(block, t, err)
		return
	}
	e.bitmapWriteSucceeded(block, t)
}

func bitmapOffset(bat vhd.BAT, block int, header *vhd.Header, t *blockTxn) int64 {
	if t.updateBAT {
		return t.newOffset * vhd.SectorSize
	}
	return vhd.SectorsToBytes(int64(bat[block]))
}

func (e *Engine) bitmapWriteSucceeded(block int, t *blockTxn) {
	entry, err := e.cache.Allocate(block)
	if err == nil {
		entry.Store(append([]byte(nil), t.shadow...))
	}
	members := t.members
	t.members = nil

	if t.updateBAT {
		t.state = txnBATPending
		e.bat[block] = uint32(t.newOffset)
		spb := int64(e.header.SectorsPerBlock())
		e.nextDB = vhd.AlignToSector((t.newOffset + e.header.BitmapSectors() + spb) * vhd.SectorSize) / vhd.SectorSize
	}

	if e.cbtLog != nil {
		e.cbtLog.MarkBlock(int64(block) * cbt.BlockSize)
	}

	for _, op := range members {
		op.Complete(nil)
	}
	e.closeTransaction(block, t)
}

func (e *Engine) bitmapWriteFailed(block int, t *blockTxn, writeErr error) {
	members := t.members
	t.members = nil
	werr := vhderr.Wrap(vhderr.Io, "bitmap write failed", writeErr)
	for _, op := range members {
		e.retryOrFail(op, werr)
	}
	if t.updateBAT {
		// Release the PBW slot; nextDB is left untouched so the same
		// offset can be retried.
	}
	e.closeTransaction(block, t)
}

// abortTransaction handles a transaction whose members finished with at
// least one data-write error: per the original's finish_bitmap_transaction,
// the bitmap write is skipped entirely (shadow is simply discarded) and
// every member — not only the one that failed — is retried or failed, since
// none of the batch's sectors may be claimed as allocated without the
// bitmap write that would have recorded them.
func (e *Engine) abortTransaction(block int, t *blockTxn) {
	members := t.members
	t.members = nil
	werr := vhderr.Wrap(vhderr.Io, "data write failed", t.firstErr)
	for _, op := range members {
		e.retryOrFail(op, werr)
	}
	e.closeTransaction(block, t)
}

func (e *Engine) retryOrFail(op *WriteOp, err error) {
	op.retries++
	op.lastTry = retryClock()
	if op.retries > MaxRetries {
		op.Complete(err)
		e.dead = true
		return
	}
	e.failed = append(e.failed, op)
}

// retryClock stamps a failed operation's last-try time. It returns the zero
// time; it is a package variable, and neither the scheduler nor the tests
// replace it.
var retryClock = func() time.Time { return time.Time{} }

// closeTransaction flips the block back to closed and immediately starts
// the next transaction if writes queued up while this one was in flight
// (spec.md §4.7 invariant (c)).
func (e *Engine) closeTransaction(block int, t *blockTxn) {
	t.state = txnClosed
	next := t.queued
	t.queued = nil
	delete(e.live, block)
	for _, op := range next {
		e.Submit(op)
	}
}

// RetryFailed resubmits every request on the failed list (spec.md §4.7:
// "After a per-image retry interval it is resubmitted"); the caller (the
// scheduler, via a timeout event) is responsible for pacing calls to this
// method by the per-image retry interval.
func (e *Engine) RetryFailed() {
	batch := e.failed
	e.failed = nil
	for _, op := range batch {
		e.Submit(op)
	}
}
