// Package ioopt merges contiguous async I/O requests into larger kernel
// operations and splits completions back to their originators (spec.md
// §4.4), grounded on original_source/drivers/io-optimize.c's opio chain
// technique: a merged operation is represented here as a Go slice of
// originator Ops rather than a C intrusive linked list.
package ioopt

// Op is one originator-level I/O request: a read or write of nbytes
// contiguous bytes at offset, backed by a buffer address used only to test
// contiguity (spec.md §4.4: "buffer addresses are contiguous").
type Op struct {
	Write   bool
	Offset  int64
	Nbytes  int64
	BufAddr uintptr // identifies which bytes the op occupies in some larger scratch buffer
}

// Merged is one kernel-facing control block: the leading originator plus
// however many trailing originators were folded into it.
type Merged struct {
	Write      bool
	Offset     int64
	Nbytes     int64
	Originators []Op
}

// Merge walks ops in submission order and merges adjacent pairs when their
// opcodes match, their file offsets are contiguous, and their buffer
// addresses are contiguous (spec.md §4.4). Order among originators, and
// among merged chains, is preserved.
func Merge(ops []Op) []Merged {
	out := make([]Merged, 0, len(ops))
	for _, op := range ops {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if canMerge(last, op) {
				last.Nbytes += op.Nbytes
				last.Originators = append(last.Originators, op)
				continue
			}
		}
		out = append(out, Merged{
			Write:       op.Write,
			Offset:      op.Offset,
			Nbytes:      op.Nbytes,
			Originators: []Op{op},
		})
	}
	return out
}

func canMerge(m *Merged, op Op) bool {
	if m.Write != op.Write {
		return false
	}
	if m.Offset+m.Nbytes != op.Offset {
		return false
	}
	last := m.Originators[len(m.Originators)-1]
	return last.BufAddr+uintptr(last.Nbytes) == op.BufAddr
}

// Completion is a kernel completion result: non-negative is a byte count,
// negative is a negated errno (spec.md §4.4: "the kernel error code").
type Completion struct {
	Res int64
}

// Split rebuilds one completion per originator from a slice of kernel
// completions lined up one-to-one against merged[i] (spec.md §4.4: "a
// single returned event with result R for a merged chain produces one event
// per originator with either the originator's length on success, or the
// kernel error code on failure"). The length of the result always equals
// the total number of originators across merged, in submission order
// (spec.md §8 "Optimiser fidelity").
func Split(merged []Merged, completions []Completion) []Completion {
	out := make([]Completion, 0, countOriginators(merged))
	for i, m := range merged {
		c := completions[i]
		if c.Res < 0 {
			for range m.Originators {
				out = append(out, Completion{Res: c.Res})
			}
			continue
		}
		for _, orig := range m.Originators {
			out = append(out, Completion{Res: orig.Nbytes})
		}
	}
	return out
}

func countOriginators(merged []Merged) int {
	n := 0
	for _, m := range merged {
		n += len(m.Originators)
	}
	return n
}
