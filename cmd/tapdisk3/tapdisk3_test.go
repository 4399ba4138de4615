package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tapdisk3/vhdcore/internal/txn"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhdbuild"
)

func TestBackendServesABlockAllocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.vhd")
	if _, err := vhdbuild.CreateSparse(path, 2*1024*1024, vhd.DefaultBlockSize, nil); err != nil {
		t.Fatalf("CreateSparse: %v", err)
	}

	b, err := newBackend(backendConfig{
		path:            path,
		progressTimeout: time.Minute,
		retryInterval:   time.Minute,
	})
	if err != nil {
		t.Fatalf("newBackend: %v", err)
	}
	defer b.shutdown()

	if b.engine == nil {
		t.Fatal("sparse image should get a transaction engine")
	}
	if b.img.BAT.Allocated(0) {
		t.Fatal("block 0 should start unallocated")
	}

	// A fresh block's on-disk offset is the next free sector at the point
	// newBackend computed it (below, before any allocation has happened).
	st, err := b.img.File.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	nextDB := (st.Size() - vhd.FooterSize) / vhd.SectorSize

	done := make(chan error, 1)
	op := &txn.WriteOp{Block: 0, SectorInBlock: 0, Nsectors: 1, Complete: func(err error) { done <- err }}
	b.engine.Submit(op)

	data := make([]byte, vhd.SectorSize)
	for i := range data {
		data[i] = 0x5A
	}
	disk := &queueDisk{q: b.queue, fd: int(b.img.File.Fd())}
	dataOffset := nextDB*vhd.SectorSize + b.img.Header.BitmapSectors()*vhd.SectorSize
	if err := disk.WriteAt(data, dataOffset); err != nil {
		t.Fatalf("write data: %v", err)
	}
	b.engine.DataWriteComplete(0, op, nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("op completed with error: %v", err)
		}
	default:
		t.Fatal("op should have completed synchronously in ModeSync")
	}

	if !b.img.BAT.Allocated(0) {
		t.Fatal("block 0 should be allocated after the transaction committed")
	}
}

func TestAcquireLockSkippedWithoutIdentity(t *testing.T) {
	lock, err := acquireLock("/tmp/does-not-matter.vhd", "", "", false)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if lock != nil {
		t.Fatal("expected a nil lock when no identity is supplied")
	}
}
