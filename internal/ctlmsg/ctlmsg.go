// Package ctlmsg defines the wire layout of the control-plane message
// protocol referenced in SPEC_FULL.md §6: a fixed-size header followed by a
// type-specific body, all integers little-endian, encoded with
// encoding/binary in the same DecodeBE/EncodeBE-pair style internal/vhd
// uses for the on-disk format (here little-endian, matching the wire
// protocol's own byte order rather than the VHD format's).
//
// This package implements no transport: no named-pipe I/O, no framing
// loop, no dispatch. It is the struct layer an external daemon embeds the
// core through (SPEC_FULL.md §1/§6).
package ctlmsg

import (
	"encoding/binary"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Type is one message type recognised by the core (SPEC_FULL.md §6).
type Type uint16

const (
	TypeParams Type = iota + 1
	TypeImg
	TypeImgFail
	TypeNewDev
	TypeNewDevRsp
	TypeNewDevFail
	TypeClose
	TypeCloseRsp
	TypePID
	TypePIDRsp
	TypeCheckpoint
	TypeCheckpointRsp
	TypeLock
	TypeLockRsp
)

func (t Type) String() string {
	switch t {
	case TypeParams:
		return "PARAMS"
	case TypeImg:
		return "IMG"
	case TypeImgFail:
		return "IMG_FAIL"
	case TypeNewDev:
		return "NEWDEV"
	case TypeNewDevRsp:
		return "NEWDEV_RSP"
	case TypeNewDevFail:
		return "NEWDEV_FAIL"
	case TypeClose:
		return "CLOSE"
	case TypeCloseRsp:
		return "CLOSE_RSP"
	case TypePID:
		return "PID"
	case TypePIDRsp:
		return "PID_RSP"
	case TypeCheckpoint:
		return "CHECKPOINT"
	case TypeCheckpointRsp:
		return "CHECKPOINT_RSP"
	case TypeLock:
		return "LOCK"
	case TypeLockRsp:
		return "LOCK_RSP"
	default:
		return "UNKNOWN"
	}
}

var order = binary.LittleEndian

// HeaderSize is the fixed on-wire size of Header: {type, length,
// drivertype, cookie}, all little-endian.
const HeaderSize = 2 + 2 + 2 + 4

// Header precedes every message body.
type Header struct {
	Type       Type
	Length     uint16 // total message length, header + body, bytes
	DriverType uint16
	Cookie     uint32
}

func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	order.PutUint16(buf[0:], uint16(h.Type))
	order.PutUint16(buf[2:], h.Length)
	order.PutUint16(buf[4:], h.DriverType)
	order.PutUint32(buf[6:], h.Cookie)
	return buf
}

func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short header buffer")
	}
	return &Header{
		Type:       Type(order.Uint16(buf[0:])),
		Length:     order.Uint16(buf[2:]),
		DriverType: order.Uint16(buf[4:]),
		Cookie:     order.Uint32(buf[6:]),
	}, nil
}

// PathMax bounds the fixed-size path fields carried in message bodies.
const PathMax = 256

// ParamsBody is the body of a PARAMS message: "open image with a path".
type ParamsBody struct {
	Path string
}

func (b *ParamsBody) Encode() []byte {
	buf := make([]byte, PathMax)
	copy(buf, b.Path)
	return buf
}

func DecodeParamsBody(buf []byte) (*ParamsBody, error) {
	if len(buf) != PathMax {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short PARAMS body")
	}
	return &ParamsBody{Path: cString(buf)}, nil
}

// ImgBody is the body of an IMG reply: image geometry.
type ImgBody struct {
	SectorSize  uint32
	SectorsSize uint64 // total sectors
	Info        uint32
}

const imgBodySize = 4 + 8 + 4

func (b *ImgBody) Encode() []byte {
	buf := make([]byte, imgBodySize)
	order.PutUint32(buf[0:], b.SectorSize)
	order.PutUint64(buf[4:], b.SectorsSize)
	order.PutUint32(buf[12:], b.Info)
	return buf
}

func DecodeImgBody(buf []byte) (*ImgBody, error) {
	if len(buf) != imgBodySize {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short IMG body")
	}
	return &ImgBody{
		SectorSize:  order.Uint32(buf[0:]),
		SectorsSize: order.Uint64(buf[4:]),
		Info:        order.Uint32(buf[12:]),
	}, nil
}

// ImgFailBody is the body of an IMG_FAIL reply: the errno-style failure
// code of spec.md §7.
type ImgFailBody struct {
	Errno int32
}

func (b *ImgFailBody) Encode() []byte {
	buf := make([]byte, 4)
	order.PutUint32(buf, uint32(b.Errno))
	return buf
}

func DecodeImgFailBody(buf []byte) (*ImgFailBody, error) {
	if len(buf) != 4 {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short IMG_FAIL body")
	}
	return &ImgFailBody{Errno: int32(order.Uint32(buf))}, nil
}

// NewDevBody is the body of a NEWDEV message: the minor number of the
// block device to create.
type NewDevBody struct {
	Minor uint32
}

func (b *NewDevBody) Encode() []byte {
	buf := make([]byte, 4)
	order.PutUint32(buf, b.Minor)
	return buf
}

func DecodeNewDevBody(buf []byte) (*NewDevBody, error) {
	if len(buf) != 4 {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short NEWDEV body")
	}
	return &NewDevBody{Minor: order.Uint32(buf)}, nil
}

// PIDBody is the body of a PID/PID_RSP message.
type PIDBody struct {
	PID uint32
}

func (b *PIDBody) Encode() []byte {
	buf := make([]byte, 4)
	order.PutUint32(buf, b.PID)
	return buf
}

func DecodePIDBody(buf []byte) (*PIDBody, error) {
	if len(buf) != 4 {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short PID body")
	}
	return &PIDBody{PID: order.Uint32(buf)}, nil
}

// CheckpointBody is the body of a CHECKPOINT message: a request to flush
// all pending transactions and fsync.
type CheckpointBody struct {
	Flags uint32
}

func (b *CheckpointBody) Encode() []byte {
	buf := make([]byte, 4)
	order.PutUint32(buf, b.Flags)
	return buf
}

func DecodeCheckpointBody(buf []byte) (*CheckpointBody, error) {
	if len(buf) != 4 {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short CHECKPOINT body")
	}
	return &CheckpointBody{Flags: order.Uint32(buf)}, nil
}

// LockBody is the body of a LOCK message: acquire or release the image's
// dot-lock (internal/dotlock), reader or writer.
type LockBody struct {
	Acquire bool
	Writer  bool
	Force   bool
}

func (b *LockBody) Encode() []byte {
	buf := make([]byte, 1)
	if b.Acquire {
		buf[0] |= 1 << 0
	}
	if b.Writer {
		buf[0] |= 1 << 1
	}
	if b.Force {
		buf[0] |= 1 << 2
	}
	return buf
}

func DecodeLockBody(buf []byte) (*LockBody, error) {
	if len(buf) != 1 {
		return nil, vhderr.New(vhderr.InvalidFormat, "ctlmsg: short LOCK body")
	}
	return &LockBody{
		Acquire: buf[0]&(1<<0) != 0,
		Writer:  buf[0]&(1<<1) != 0,
		Force:   buf[0]&(1<<2) != 0,
	}, nil
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
