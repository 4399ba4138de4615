package ioopt

import "testing"

func TestMergeFourContiguousReads(t *testing.T) {
	ops := []Op{
		{Write: false, Offset: 0, Nbytes: 512, BufAddr: 0x1000},
		{Write: false, Offset: 512, Nbytes: 512, BufAddr: 0x1200},
		{Write: false, Offset: 1024, Nbytes: 512, BufAddr: 0x1400},
		{Write: false, Offset: 1536, Nbytes: 512, BufAddr: 0x1600},
	}
	merged := Merge(ops)
	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	if merged[0].Nbytes != 2048 {
		t.Fatalf("merged length = %d, want 2048", merged[0].Nbytes)
	}
	if len(merged[0].Originators) != 4 {
		t.Fatalf("originators = %d, want 4", len(merged[0].Originators))
	}
}

func TestSplitSuccessAndFailure(t *testing.T) {
	ops := []Op{
		{Write: false, Offset: 0, Nbytes: 512, BufAddr: 0x1000},
		{Write: false, Offset: 512, Nbytes: 512, BufAddr: 0x1200},
		{Write: false, Offset: 1024, Nbytes: 512, BufAddr: 0x1400},
		{Write: false, Offset: 1536, Nbytes: 512, BufAddr: 0x1600},
	}
	merged := Merge(ops)

	okCompletions := Split(merged, []Completion{{Res: 2048}})
	if len(okCompletions) != 4 {
		t.Fatalf("len(completions) = %d, want 4", len(okCompletions))
	}
	for i, c := range okCompletions {
		if c.Res != 512 {
			t.Fatalf("completion[%d].Res = %d, want 512", i, c.Res)
		}
	}

	const eio = -5
	errCompletions := Split(merged, []Completion{{Res: eio}})
	if len(errCompletions) != 4 {
		t.Fatalf("len(completions) = %d, want 4", len(errCompletions))
	}
	for i, c := range errCompletions {
		if c.Res != eio {
			t.Fatalf("completion[%d].Res = %d, want %d", i, c.Res, eio)
		}
	}
}

func TestMergeRejectsNonContiguousOffset(t *testing.T) {
	ops := []Op{
		{Write: false, Offset: 0, Nbytes: 512, BufAddr: 0x1000},
		{Write: false, Offset: 4096, Nbytes: 512, BufAddr: 0x1200},
	}
	merged := Merge(ops)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2 (non-contiguous offsets must not merge)", len(merged))
	}
}

func TestMergeRejectsMixedOpcodes(t *testing.T) {
	ops := []Op{
		{Write: false, Offset: 0, Nbytes: 512, BufAddr: 0x1000},
		{Write: true, Offset: 512, Nbytes: 512, BufAddr: 0x1200},
	}
	merged := Merge(ops)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2 (mixed read/write must not merge)", len(merged))
	}
}

func TestMergePreservesOrderAcrossChains(t *testing.T) {
	ops := []Op{
		{Write: false, Offset: 0, Nbytes: 512, BufAddr: 0x1000},
		{Write: false, Offset: 512, Nbytes: 512, BufAddr: 0x1200},
		{Write: false, Offset: 8192, Nbytes: 512, BufAddr: 0x9000}, // not contiguous with previous
	}
	merged := Merge(ops)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}
	completions := Split(merged, []Completion{{Res: 1024}, {Res: 512}})
	if len(completions) != 3 {
		t.Fatalf("len(completions) = %d, want 3", len(completions))
	}
}
