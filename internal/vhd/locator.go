package vhd

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf16"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// ParentLocator is one prt_loc entry (spec.md §3 "Parent locator").
type ParentLocator struct {
	Code       PlatformCode
	DataSpace  uint32 // sectors reserved to store the locator
	DataLen    uint32 // actual length of locator data, bytes
	DataOffset uint64 // absolute file offset of locator data
}

func (p *ParentLocator) isZero() bool {
	return p.Code == PlatformNone && p.DataSpace == 0 && p.DataLen == 0 && p.DataOffset == 0
}

func decodeParentLocator(buf []byte) ParentLocator {
	return ParentLocator{
		Code:       PlatformCode(byteOrder.Uint32(buf[0:])),
		DataSpace:  byteOrder.Uint32(buf[4:]),
		DataLen:    byteOrder.Uint32(buf[8:]),
		// buf[12:16] is the reserved "res" field, always zero.
		DataOffset: byteOrder.Uint64(buf[16:]),
	}
}

func (p ParentLocator) encode() []byte {
	buf := make([]byte, ParentLocatorSize)
	byteOrder.PutUint32(buf[0:], uint32(p.Code))
	byteOrder.PutUint32(buf[4:], p.DataSpace)
	byteOrder.PutUint32(buf[8:], p.DataLen)
	byteOrder.PutUint64(buf[16:], p.DataOffset)
	return buf
}

// Validate checks the invariants of spec.md §4.1 "Parent locator
// validation" against a file of the given size (footerSize accounts for the
// trailing footer that must not be encroached upon).
func (p ParentLocator) Validate(fileSize int64, footerSize int64) error {
	if p.Code == PlatformNone {
		if !p.isZero() {
			return vhderr.New(vhderr.InvalidFormat, "parent locator: None code with non-zero fields")
		}
		return nil
	}
	if p.DataOffset == 0 || p.DataLen == 0 {
		return vhderr.New(vhderr.InvalidFormat, "parent locator: zero offset or length")
	}
	end := int64(p.DataOffset) + int64(p.DataLen)
	if int64(p.DataOffset) < 0 || end > fileSize-footerSize {
		return vhderr.New(vhderr.InvalidFormat, "parent locator: data region outside file")
	}
	spaceBytes := int64(p.DataSpace) * SectorSize
	if spaceBytes < int64(p.DataLen) {
		return vhderr.New(vhderr.InvalidFormat, "parent locator: data_space too small for data_len")
	}
	return nil
}

// DecodePath converts a decoded locator's raw bytes into an internal UTF-8
// path string (spec.md §4.1 "Path encoding"): MACX stores a UTF-8
// file://<path> URL, W2KU/W2RU store a UTF-16LE Windows path.
func (p ParentLocator) DecodePath(raw []byte) (string, error) {
	switch p.Code {
	case PlatformMACX:
		u, err := url.Parse(strings.TrimRight(string(raw), "\x00"))
		if err != nil {
			return "", vhderr.Wrap(vhderr.InvalidFormat, "parent locator: bad file:// URL", err)
		}
		if u.Scheme != "file" {
			return "", vhderr.New(vhderr.InvalidFormat, "parent locator: MACX locator is not a file:// URL")
		}
		return u.Path, nil
	case PlatformW2KU, PlatformW2RU:
		if len(raw)%2 != 0 {
			return "", vhderr.New(vhderr.InvalidFormat, "parent locator: odd-length UTF-16 path")
		}
		u16 := make([]uint16, len(raw)/2)
		for i := range u16 {
			u16[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		s := string(utf16.Decode(u16))
		s = strings.TrimRight(s, "\x00")
		return strings.ReplaceAll(s, `\`, "/"), nil
	default:
		return "", vhderr.New(vhderr.InvalidFormat, fmt.Sprintf("parent locator: unsupported platform code %s", p.Code))
	}
}

// EncodeMACX renders path as a MACX (file:// UTF-8) locator payload.
func EncodeMACX(path string) []byte {
	return []byte("file://" + path)
}

// EncodeW2KU renders path as a W2KU (absolute Windows path, UTF-16LE)
// locator payload.
func EncodeW2KU(path string) []byte {
	winPath := strings.ReplaceAll(path, "/", `\`)
	u16 := utf16.Encode([]rune(winPath))
	buf := make([]byte, len(u16)*2)
	for i, u := range u16 {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}
