package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tapdisk3/vhdcore/internal/aioqueue"
	"github.com/tapdisk3/vhdcore/internal/bitmapcache"
	"github.com/tapdisk3/vhdcore/internal/cbt"
	"github.com/tapdisk3/vhdcore/internal/chain"
	"github.com/tapdisk3/vhdcore/internal/diag"
	"github.com/tapdisk3/vhdcore/internal/dotlock"
	"github.com/tapdisk3/vhdcore/internal/scheduler"
	"github.com/tapdisk3/vhdcore/internal/txn"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

const aioQueueCapacity = 64

// openOrCreateCBTLog opens an existing change-block-tracking log at path, or
// creates a fresh one sized for diskSize bytes if none exists yet (spec.md
// §4.12: a log is created once, the first time tracking is enabled for an
// image, and reused across subsequent opens).
func openOrCreateCBTLog(path string, diskSize int64) (*cbt.Log, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cbt.Create(path, uint64(diskSize)); err != nil {
			return nil, err
		}
	}
	return cbt.Open(path, true)
}

type backendConfig struct {
	path            string
	readOnly        bool
	lockHost        string
	lockUUID        string
	forceLock       bool
	progressTimeout time.Duration
	retryInterval   time.Duration
	strict          bool
	diagPrefix      string
	cbtLogPath      string
}

// backend owns one open image and the scheduler/queue/engine serving it,
// the per-process state described in spec.md §5.
type backend struct {
	cfg    backendConfig
	img    *chain.Image
	lock   *dotlock.Lock
	queue  *aioqueue.Queue
	cache  *bitmapcache.Cache // nil for Fixed images, which have no bitmaps
	engine *txn.Engine        // nil for Fixed images
	cbtLog *cbt.Log           // nil unless -cbt-log was given
	sched  *scheduler.Scheduler

	lastActivity time.Time
	stop         context.CancelFunc
}

func newBackend(cfg backendConfig) (*backend, error) {
	lock, err := acquireLock(cfg.path, cfg.lockHost, cfg.lockUUID, cfg.forceLock)
	if err != nil {
		return nil, err
	}

	img, err := chain.Open(cfg.path, chain.OpenFlags{ReadOnly: cfg.readOnly}, nil)
	if err != nil {
		if lock != nil {
			lock.Release()
		}
		return nil, err
	}

	b := &backend{
		cfg:          cfg,
		img:          img,
		lock:         lock,
		queue:        aioqueue.New(aioQueueCapacity, aioqueue.ModeSync),
		sched:        scheduler.New(),
		lastActivity: time.Now(),
	}

	if img.Header != nil {
		st, err := img.File.Stat()
		if err != nil {
			b.shutdown()
			return nil, vhderr.Wrap(vhderr.Io, "tapdisk3: stat "+cfg.path, err)
		}
		b.cache = bitmapcache.New()
		disk := &queueDisk{q: b.queue, fd: int(img.File.Fd())}
		nextDB := (st.Size() - vhd.FooterSize) / vhd.SectorSize
		b.engine = txn.New(disk, img.Header, img.BAT, b.cache, nextDB)

		if cfg.cbtLogPath != "" {
			log, err := openOrCreateCBTLog(cfg.cbtLogPath, int64(img.Footer.CurrentSize))
			if err != nil {
				b.shutdown()
				return nil, err
			}
			b.cbtLog = log
			b.engine.EnableCBT(log)
		}
	}

	if cfg.diagPrefix != "" {
		if err := diag.Enable(cfg.diagPrefix); err != nil {
			b.shutdown()
			return nil, vhderr.Wrap(vhderr.Io, "tapdisk3: enable diag sink", err)
		}
	}

	b.sched.Register(scheduler.ModeTimeout, -1, cfg.retryInterval, b.onRetryTick)
	b.sched.Register(scheduler.ModeTimeout, -1, cfg.progressTimeout, b.onProgressTick)
	if lock != nil {
		b.sched.Register(scheduler.ModeTimeout, -1, dotlock.DefaultLease/2, b.onReassertTick)
	}

	return b, nil
}

// serve drives the scheduler until ctx is canceled (spec.md §5: "Suspension
// points occur exclusively at select inside the scheduler").
func (b *backend) serve(ctx context.Context) {
	for ctx.Err() == nil {
		if err := b.sched.Tick(time.Second); err != nil {
			fmt.Fprintln(os.Stderr, "tapdisk3: scheduler tick:", err)
		}
	}
}

func (b *backend) onRetryTick() {
	if b.engine != nil {
		b.engine.RetryFailed()
	}
}

// onProgressTick dumps this image's state if diag is enabled; in strict
// mode it additionally logs when the image has gone stale (spec.md §5
// "if any requests are pending and no progress is made within a
// configurable progress timeout, the image dumps its state for debugging").
func (b *backend) onProgressTick() {
	stale := time.Since(b.lastActivity) > b.cfg.progressTimeout
	if b.cfg.diagPrefix != "" {
		snap := diag.Snapshot{Image: b.cfg.path, LastActivity: b.lastActivity}
		if b.engine != nil {
			snap.Dead = b.engine.Dead()
		}
		if b.cache != nil {
			snap.BitmapCache = diag.BitmapCacheSnapshot{ResidentBlocks: b.cache.ResidentBlocks()}
		}
		if err := diag.Dump(snap); err != nil {
			fmt.Fprintln(os.Stderr, "tapdisk3: diag dump:", err)
		}
	}
	if stale && b.cfg.strict {
		fmt.Fprintf(os.Stderr, "tapdisk3: %s: no progress for over %s in strict mode\n", b.cfg.path, b.cfg.progressTimeout)
	}
}

// onReassertTick rewrites the persistent dot-lock file with our own
// identity before its lease can be mistaken for stale (spec.md §4.9). If
// the identity on disk no longer matches ours, another host has stolen the
// lock and this process must stop serving writes.
func (b *backend) onReassertTick() {
	if b.lock == nil {
		return
	}
	if err := b.lock.Reassert(); err != nil {
		fmt.Fprintln(os.Stderr, "tapdisk3: dot-lock lost:", err)
		if b.stop != nil {
			b.stop()
		}
	}
}

func (b *backend) shutdown() error {
	var first error
	if b.cbtLog != nil {
		if err := b.cbtLog.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.queue != nil {
		if err := b.queue.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.img != nil {
		if err := b.img.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.lock != nil {
		if err := b.lock.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
