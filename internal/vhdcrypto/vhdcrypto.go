// Package vhdcrypto implements at-rest XTS-AES encryption of VHD data
// blocks (spec.md §4.3): per-sector tweak derivation, keyhash
// derivation/verification, and the TAPDISK3_CRYPTO_KEYDIR key lookup policy
// (spec.md §6).
package vhdcrypto

import (
	"crypto/aes"
	"crypto/sha256"
	"crypto/subtle"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/xts"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// KeySize is a supported XTS-AES key length in bits (spec.md §4.3: "keys of
// 256 or 512 bits are supported" — i.e. AES-128-XTS and AES-256-XTS, whose
// combined XTS key material is 256 or 512 bits).
type KeySize int

const (
	KeySize256 KeySize = 256
	KeySize512 KeySize = 512
)

func (k KeySize) bytes() int { return int(k) / 8 }

// Cipher wraps an XTS-AES cipher keyed for one VHD chain member. The tweak
// for sector s is its little-endian sector number, per spec.md §4.3.
type Cipher struct {
	xts *xts.Cipher
}

// NewCipher constructs a Cipher from a raw key of exactly 256 or 512 bits.
func NewCipher(key []byte) (*Cipher, error) {
	switch len(key) * 8 {
	case int(KeySize256), int(KeySize512):
	default:
		return nil, vhderr.New(vhderr.KeyMismatch, "key must be 256 or 512 bits for XTS-AES")
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.KeyMismatch, "constructing XTS-AES cipher", err)
	}
	return &Cipher{xts: c}, nil
}

// DecryptSector decrypts exactly one SectorSize-sized ciphertext sector in
// place (spec.md §4.3: "Reads decrypt in place").
func (c *Cipher) DecryptSector(buf []byte, sector int64) error {
	if len(buf) != vhd.SectorSize {
		return vhderr.New(vhderr.InvalidFormat, "DecryptSector: buffer is not one sector")
	}
	c.xts.Decrypt(buf, buf, uint64(sector))
	return nil
}

// EncryptSector encrypts src into a freshly allocated scratch buffer,
// leaving src untouched (spec.md §4.3: "writes encrypt from a caller buffer
// into an owned scratch buffer... the caller's buffer is never mutated").
func (c *Cipher) EncryptSector(src []byte, sector int64) ([]byte, error) {
	if len(src) != vhd.SectorSize {
		return nil, vhderr.New(vhderr.InvalidFormat, "EncryptSector: buffer is not one sector")
	}
	dst := make([]byte, vhd.SectorSize)
	c.xts.Encrypt(dst, src, uint64(sector))
	return dst, nil
}

// DecryptSectors/EncryptSectors operate over a run of n contiguous sectors
// starting at startSector, one XTS block per sector.
func (c *Cipher) DecryptSectors(buf []byte, startSector int64, n int) error {
	if len(buf) != n*vhd.SectorSize {
		return vhderr.New(vhderr.InvalidFormat, "DecryptSectors: buffer size mismatch")
	}
	for i := 0; i < n; i++ {
		off := i * vhd.SectorSize
		if err := c.DecryptSector(buf[off:off+vhd.SectorSize], startSector+int64(i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cipher) EncryptSectors(src []byte, startSector int64, n int) ([]byte, error) {
	if len(src) != n*vhd.SectorSize {
		return nil, vhderr.New(vhderr.InvalidFormat, "EncryptSectors: buffer size mismatch")
	}
	dst := make([]byte, len(src))
	for i := 0; i < n; i++ {
		off := i * vhd.SectorSize
		enc, err := c.EncryptSector(src[off:off+vhd.SectorSize], startSector+int64(i))
		if err != nil {
			return nil, err
		}
		copy(dst[off:], enc)
	}
	return dst, nil
}

// DeriveKeyhash computes the keyhash stored in a batmap header for a given
// key: a random nonce plus sha256(nonce || key) (spec.md §3 "Keyhash").
func DeriveKeyhash(nonce [32]byte, key []byte) (hash [32]byte) {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write(key)
	copy(hash[:], h.Sum(nil))
	return hash
}

// VerifyKeyhash reports whether key matches the stored keyhash (spec.md
// §4.1 "Keyhash": "opening for data I/O fails with NoKey unless a key is
// supplied whose SHA-256 over nonce ∥ key equals the stored hash").
func VerifyKeyhash(kh vhd.Keyhash, key []byte) error {
	if !kh.Present {
		return nil
	}
	if len(key) == 0 {
		return vhderr.New(vhderr.NoKey, "image requires an encryption key")
	}
	want := DeriveKeyhash(kh.Nonce, key)
	if subtle.ConstantTimeCompare(want[:], kh.Hash[:]) != 1 {
		return vhderr.New(vhderr.KeyMismatch, "supplied key does not match stored keyhash")
	}
	return nil
}

// KeyDir resolves the TAPDISK3_CRYPTO_KEYDIR search path into a list of
// candidate directories (spec.md §6: "colon-or-comma-separated list of
// directories").
func KeyDir(env string) []string {
	if env == "" {
		return nil
	}
	fields := strings.FieldsFunc(env, func(r rune) bool { return r == ':' || r == ',' })
	dirs := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			dirs = append(dirs, f)
		}
	}
	return dirs
}

// KeyFileName is the expected key-file basename for a VHD, per spec.md §6:
// "<vhd-basename>,aes-xts-plain,<keysize>.key".
func KeyFileName(vhdBasename string, size KeySize) string {
	return vhdBasename + ",aes-xts-plain," + strconv.Itoa(int(size)) + ".key"
}

// LookupKey searches KeyDir(env) for a key file matching vhdPath's basename
// and returns its raw contents, trying each supported key size in turn.
func LookupKey(env, vhdPath string) ([]byte, error) {
	base := filepath.Base(vhdPath)
	dirs := KeyDir(env)
	if len(dirs) == 0 {
		return nil, vhderr.New(vhderr.NoKey, "TAPDISK3_CRYPTO_KEYDIR is not set")
	}
	sizes := []KeySize{KeySize512, KeySize256}
	var lastErr error
	for _, dir := range dirs {
		for _, size := range sizes {
			candidate := filepath.Join(dir, KeyFileName(base, size))
			data, err := os.ReadFile(candidate)
			if err != nil {
				lastErr = err
				continue
			}
			return data, nil
		}
	}
	return nil, vhderr.Wrap(vhderr.NoKey, "no key file found for "+base, lastErr)
}
