// Package dotlock implements the cross-host "dot-locking" advisory file
// lock protocol of spec.md §4.9, grounded on
// original_source/drivers/lock.c: a hardlink-and-inode-compare exclusive
// temp lock establishes a persistent reader/writer lock file per host+uuid,
// with lease-based staleness detection and force-steal.
package dotlock

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Mode is reader or writer, matching the persistent lock file's trailing
// "r"/"w" suffix (spec.md §4.9).
type Mode int

const (
	ModeReader Mode = iota
	ModeWriter
)

func (m Mode) suffix() string {
	if m == ModeWriter {
		return "w"
	}
	return "r"
}

const tempSuffix = ".xenlk"

// Lock represents one held dot-lock on an image file.
type Lock struct {
	target     string // F
	persistent string // F.xenlk.<host>.<uuid>.f<rw>
	identity   string
}

// Identity is the string written into both the exclusive temp lock and the
// persistent lock file: "<host> <uuid>".
func Identity(host, uuid string) string { return host + " " + uuid }

func lockFileName(target string) string { return target + tempSuffix }

func persistentName(target, host, uuid string, mode Mode) string {
	return fmt.Sprintf("%s%s.%s.%s.f%s", target, tempSuffix, host, uuid, mode.suffix())
}

func exclusiveLinkName(target, host, uuid string, mode Mode) string {
	return fmt.Sprintf("%s%s.%s.%s.x%s", target, tempSuffix, host, uuid, mode.suffix())
}

// Acquire implements spec.md §4.9's acquire algorithm. identity is
// "<host> <uuid>"; force steals any conflicting lock instead of failing.
func Acquire(target, host, uuid string, mode Mode, force bool) (*Lock, error) {
	identity := Identity(host, uuid)
	lockFn := lockFileName(target)
	persistentFn := persistentName(target, host, uuid, mode)
	exclusiveFn := exclusiveLinkName(target, host, uuid, mode)

	stolen, err := acquireExclusive(lockFn, identity, force)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(lockFn, []byte(identity), 0o644); err != nil {
		os.Remove(lockFn)
		return nil, vhderr.Wrap(vhderr.Io, "dotlock: write identity", err)
	}

	if err := linkAndVerify(lockFn, exclusiveFn); err != nil {
		os.Remove(lockFn)
		return nil, err
	}
	defer os.Remove(exclusiveFn)

	held, conflictForce, err := scanForConflicts(target, host, uuid, mode, force)
	if err != nil {
		os.Remove(lockFn)
		return nil, err
	}
	if held && !force {
		os.Remove(lockFn)
		return nil, vhderr.New(vhderr.Busy, "dotlock: held by another host/process")
	}
	stolen = stolen || conflictForce

	if err := renameio.WriteFile(persistentFn, []byte(identity), 0o644); err != nil {
		os.Remove(lockFn)
		return nil, vhderr.Wrap(vhderr.Io, "dotlock: write persistent lock", err)
	}

	if err := os.Remove(lockFn); err != nil && !os.IsNotExist(err) {
		return nil, vhderr.Wrap(vhderr.Io, "dotlock: release exclusive temp lock", err)
	}

	if stolen {
		time.Sleep(DefaultLease)
	}

	return &Lock{target: target, persistent: persistentFn, identity: identity}, nil
}

// acquireExclusive implements step 1: open(F.xenlk, O_CREAT|O_EXCL), with
// the force-unlink-and-retry and re-assert-on-match paths.
func acquireExclusive(lockFn, identity string, force bool) (stolen bool, err error) {
	f, err := os.OpenFile(lockFn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		f.Close()
		return false, nil
	}
	if !os.IsExist(err) {
		return false, vhderr.Wrap(vhderr.Io, "dotlock: create exclusive temp lock", err)
	}

	existing, readErr := os.ReadFile(lockFn)
	if readErr == nil && string(existing) == identity {
		return false, nil // re-assert: it's our own stale temp lock
	}

	if force {
		if rmErr := os.Remove(lockFn); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, vhderr.Wrap(vhderr.Io, "dotlock: force-unlink exclusive temp lock", rmErr)
		}
		f, err := os.OpenFile(lockFn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return false, vhderr.Wrap(vhderr.Busy, "dotlock: exclusive lock contended after force", err)
		}
		f.Close()
		return true, nil
	}
	return false, vhderr.New(vhderr.Busy, "dotlock: exclusive temp lock held by another process")
}

// linkAndVerify hardlinks lockFn to exclusiveFn and stats both to confirm
// the same inode, the atomicity check of spec.md §4.9 step 3.
func linkAndVerify(lockFn, exclusiveFn string) error {
	os.Remove(exclusiveFn)
	if err := os.Link(lockFn, exclusiveFn); err != nil {
		return vhderr.Wrap(vhderr.Io, "dotlock: hardlink exclusive lock", err)
	}
	a, err := os.Stat(lockFn)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "dotlock: stat temp lock", err)
	}
	b, err := os.Stat(exclusiveFn)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "dotlock: stat hardlink", err)
	}
	if !os.SameFile(a, b) {
		return vhderr.New(vhderr.Busy, "dotlock: hardlink inode mismatch, contended")
	}
	return nil
}

// scanForConflicts implements step 4: scan the directory for other
// persistent locks on target. held reports whether an incompatible lock
// exists; forcedAny reports whether force removed anything (counts as a
// steal for the post-acquire lease sleep).
func scanForConflicts(target, host, uuid string, mode Mode, force bool) (held bool, forcedAny bool, err error) {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	prefix := base + tempSuffix + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, false, vhderr.Wrap(vhderr.Io, "dotlock: scan directory", err)
	}
	mine := filepath.Base(persistentName(target, host, uuid, mode))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || name == mine {
			continue
		}
		if !strings.HasPrefix(name, base+tempSuffix) {
			continue
		}
		if !(strings.HasSuffix(name, ".fw") || strings.HasSuffix(name, ".fr")) {
			continue // not a persistent lock (exclusive temp links use .x*)
		}
		isWriter := strings.HasSuffix(name, ".fw")
		conflict := isWriter || mode == ModeWriter
		if !conflict {
			continue
		}
		if force {
			os.Remove(filepath.Join(dir, name))
			forcedAny = true
			continue
		}
		held = true
	}
	return held, forcedAny, nil
}

// Release unlinks the persistent lock file (spec.md §4.9 "Release: unlink
// the persistent f<rw> file").
func (l *Lock) Release() error {
	if err := os.Remove(l.persistent); err != nil && !os.IsNotExist(err) {
		return vhderr.Wrap(vhderr.Io, "dotlock: release", err)
	}
	return nil
}

// Reassert rewrites the persistent lock file with the same identity,
// implementing scenario 6 of spec.md §8 ("Process A calls acquire again:
// the acquire reads the persistent file, matches its identity, rewrites
// it, and returns success").
func (l *Lock) Reassert() error {
	existing, err := os.ReadFile(l.persistent)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "dotlock: reassert read", err)
	}
	if string(existing) != l.identity {
		return vhderr.New(vhderr.Busy, "dotlock: persistent lock identity changed underneath us")
	}
	return renameio.WriteFile(l.persistent, []byte(l.identity), 0o644)
}

// DefaultLease is the lease duration used for staleness detection and the
// post-steal settle sleep (spec.md §4.9). It is a var, not a const, so
// tests can shrink it instead of sleeping a full minute.
var DefaultLease = 60 * time.Second

// Delta stats the persistent lock file and compares its mtime to a freshly
// created probe file's mtime, returning staleness clamped to >= 0 (spec.md
// §4.9 "lock_delta").
func Delta(persistentPath string) (time.Duration, error) {
	st, err := os.Stat(persistentPath)
	if err != nil {
		return 0, vhderr.Wrap(vhderr.Io, "dotlock: stat persistent lock", err)
	}
	probe := fmt.Sprintf("%s.probe.%d", persistentPath, rand.Int63())
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return 0, vhderr.Wrap(vhderr.Io, "dotlock: create probe file", err)
	}
	defer os.Remove(probe)
	probeSt, err := os.Stat(probe)
	if err != nil {
		return 0, vhderr.Wrap(vhderr.Io, "dotlock: stat probe file", err)
	}

	delta := probeSt.ModTime().Sub(st.ModTime())
	if delta < 0 {
		delta = 0
	}
	return delta, nil
}

// Stale reports whether the lock's persistent file's staleness exceeds
// lease, meaning the lock should be considered stolen (spec.md §4.9).
func Stale(persistentPath string, lease time.Duration) (bool, error) {
	delta, err := Delta(persistentPath)
	if err != nil {
		return false, err
	}
	return delta > lease, nil
}
