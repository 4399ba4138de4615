// Package vhdcore holds the process-wide plumbing shared by the vhd-util
// utility and the tapdisk3 backend process: interrupt handling, shutdown
// hooks, and the declaration of the driver capability set.
package vhdcore

// DriverKind identifies an image format driver. Only KindVHD is implemented;
// KindRaw, KindRAM and KindCache name trivial drivers that are out of scope
// (see spec.md §1) but are listed so that callers can recognize and reject
// them explicitly rather than silently mishandling an unknown kind.
type DriverKind int

const (
	KindVHD DriverKind = iota
	KindRaw
	KindRAM
	KindCache
)

func (k DriverKind) String() string {
	switch k {
	case KindVHD:
		return "vhd"
	case KindRaw:
		return "raw"
	case KindRAM:
		return "ram"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// ParentID identifies a driver's parent image for chain traversal, without
// requiring the parent to be opened. A raw/fixed image returns ok=false.
type ParentID struct {
	Kind DriverKind
	Path string
}

// Driver is the capability set every image format driver must implement, in
// place of the original C code's table of function pointers keyed by driver
// type (see spec.md §9 "Dynamic dispatch between drivers"). No type in this
// module implements Driver, and internal/txn and internal/scheduler do not
// refer to it.
type Driver interface {
	Kind() DriverKind
	Close() error

	// QueueRead and QueueWrite submit a block-aligned request and invoke cb
	// exactly once with the number of bytes transferred or a negative errno.
	QueueRead(sector int64, nsectors int, buf []byte, cb func(res int))
	QueueWrite(sector int64, nsectors int, buf []byte, cb func(res int))

	// GetParentID reports whether this image has a parent and, if so, its
	// identity, without opening it.
	GetParentID() (id ParentID, ok bool)

	// ValidateParent reports whether candidate is an acceptable parent for
	// this image (matching UUID, compatible size).
	ValidateParent(candidate Driver) error
}
