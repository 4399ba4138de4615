package ctlmsg

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{Type: TypeParams, Length: HeaderSize + PathMax, DriverType: 3, Cookie: 0xdeadbeef}
	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if *got != *h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestParamsBodyRoundTrip(t *testing.T) {
	b := &ParamsBody{Path: "/images/disk.vhd"}
	got, err := DecodeParamsBody(b.Encode())
	if err != nil {
		t.Fatalf("DecodeParamsBody: %v", err)
	}
	if got.Path != b.Path {
		t.Fatalf("Path = %q, want %q", got.Path, b.Path)
	}
}

func TestImgBodyRoundTrip(t *testing.T) {
	b := &ImgBody{SectorSize: 512, SectorsSize: 16384, Info: 7}
	got, err := DecodeImgBody(b.Encode())
	if err != nil {
		t.Fatalf("DecodeImgBody: %v", err)
	}
	if *got != *b {
		t.Fatalf("got %+v, want %+v", got, b)
	}
}

func TestLockBodyRoundTrip(t *testing.T) {
	b := &LockBody{Acquire: true, Writer: true, Force: false}
	got, err := DecodeLockBody(b.Encode())
	if err != nil {
		t.Fatalf("DecodeLockBody: %v", err)
	}
	if *got != *b {
		t.Fatalf("got %+v, want %+v", got, b)
	}
}

func TestTypeStringNames(t *testing.T) {
	cases := map[Type]string{
		TypeParams:   "PARAMS",
		TypeImgFail:  "IMG_FAIL",
		TypeLockRsp:  "LOCK_RSP",
		Type(0xffff): "UNKNOWN",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Fatalf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
