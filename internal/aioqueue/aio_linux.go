//go:build linux

package aioqueue

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tapdisk3/vhdcore/internal/ioopt"
)

// leOrder is the wire order of every struct iocb / io_event field: Linux
// AIO's ABI is always little-endian, independent of the VHD metadata
// codec's big-endian wire format.
var leOrder = binary.LittleEndian

// aioRing wraps a Linux kernel AIO context (io_setup/io_submit/
// io_getevents/io_destroy), accessed via raw syscalls since golang.org/x/sys
// does not wrap the legacy libaio interface beyond exposing the syscall
// numbers themselves.
type aioRing struct {
	ctx      uint64 // aio_context_t
	capacity int
	// originators[tag] holds the sub-batch of Requests a merged iocb
	// represents, so Split can rebuild one completion per originator.
	originators map[uint64][]Request
	nextTag     uint64
}

const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
	iocbSize      = 64
	ioEventSize   = 32
)

func newAIORing(capacity int) (*aioRing, error) {
	var ctx uint64
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(capacity), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return nil, errno
	}
	return &aioRing{ctx: ctx, capacity: capacity, originators: make(map[uint64][]Request)}, nil
}

func (r *aioRing) destroy() error {
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(r.ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// iocbBytes encodes one struct iocb (spec.md §4.5 prep functions) in the
// kernel's native little-endian layout.
func iocbBytes(tag uint64, fd int, write bool, bufAddr uintptr, nbytes int, offset int64) []byte {
	b := make([]byte, iocbSize)
	leOrder.PutUint64(b[0:], tag) // aio_data
	// aio_key/aio_rw_flags (4+4 bytes) left zero
	opcode := uint16(iocbCmdPread)
	if write {
		opcode = iocbCmdPwrite
	}
	leOrder.PutUint16(b[16:], opcode)          // aio_lio_opcode
	leOrder.PutUint32(b[20:], uint32(fd))      // aio_fildes
	leOrder.PutUint64(b[24:], uint64(bufAddr)) // aio_buf
	leOrder.PutUint64(b[32:], uint64(nbytes))  // aio_nbytes
	leOrder.PutUint64(b[40:], uint64(offset))  // aio_offset
	return b
}

// submit issues one kernel iocb per already-merged chain, returning how
// many originators (not iocbs) were accepted, so Queue.Submit can fail the
// unsubmitted tail of batch per spec.md §4.5.
func (r *aioRing) submit(batch []Request, merged []ioopt.Merged) (int, error) {
	if len(merged) == 0 {
		return 0, nil
	}
	iocbs := make([][]byte, len(merged))
	ptrs := make([]uintptr, len(merged))
	subBatches := make([][]Request, len(merged))

	cursor := 0
	for i, m := range merged {
		n := len(m.Originators)
		subBatches[i] = batch[cursor : cursor+n]
		cursor += n

		tag := r.nextTag
		r.nextTag++
		r.originators[tag] = subBatches[i]

		addr := bufAddr(subBatches[i][0].Buf)
		iocbs[i] = iocbBytes(tag, subBatches[i][0].Fd, m.Write, addr, int(m.Nbytes), m.Offset)
		ptrs[i] = uintptr(unsafe.Pointer(&iocbs[i][0]))
	}

	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(r.ctx), uintptr(len(ptrs)), uintptr(unsafe.Pointer(&ptrs[0])))
	accepted := 0
	for i := 0; i < int(n) && i < len(subBatches); i++ {
		accepted += len(subBatches[i])
	}
	if errno != 0 {
		return accepted, errno
	}
	return accepted, nil
}

func (r *aioRing) reap(maxEvents int) (int, error) {
	events := make([]byte, maxEvents*ioEventSize)
	var eventsPtr uintptr
	if maxEvents > 0 {
		eventsPtr = uintptr(unsafe.Pointer(&events[0]))
	}
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(r.ctx), 0, uintptr(maxEvents), eventsPtr, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	reaped := 0
	for i := 0; i < int(n); i++ {
		off := i * ioEventSize
		tag := leOrder.Uint64(events[off:])
		res := int64(leOrder.Uint64(events[off+16:]))
		reqs, ok := r.originators[tag]
		if !ok {
			continue
		}
		delete(r.originators, tag)

		completions := ioopt.Split([]ioopt.Merged{{Nbytes: sumNbytes(reqs), Originators: toOps(reqs)}}, []ioopt.Completion{{Res: res}})
		for i, req := range reqs {
			req.Complete(completions[i].Res)
			reaped++
		}
	}
	return reaped, nil
}

func sumNbytes(reqs []Request) int64 {
	var n int64
	for _, r := range reqs {
		n += int64(len(r.Buf))
	}
	return n
}

func toOps(reqs []Request) []ioopt.Op {
	ops := make([]ioopt.Op, len(reqs))
	for i, r := range reqs {
		ops[i] = ioopt.Op{Write: r.Write, Offset: r.Offset, Nbytes: int64(len(r.Buf)), BufAddr: bufAddr(r.Buf)}
	}
	return ops
}
