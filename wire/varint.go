package wire

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Var-int encoding (§4.3.4, §8 property 7).
//
// u32: a single length byte L in 0..4, or 0xFF for the "undefined"
// sentinel (UINT32_MAX). u64 is the same with L in 0..8.
// The length byte precedes the value bytes; bytes are emitted starting
// at the most-significant non-zero byte. On a little-endian host the
// little end is written first (i.e. the byte order on the wire is
// little-endian-of-the-significant-bytes); on a big-endian host the
// convention flips. The reader mirrors this using the chunk's recorded
// endianness marker.

const (
	undefinedLen = 0xFF
)

// sigBytes64 returns the number of significant bytes needed to encode v
// (0 significant bytes for v == 0).
func sigBytes64(v uint64) int {
	if v == 0 {
		return 0
	}
	return (bits.Len64(v) + 7) / 8
}

func sigBytes32(v uint32) int {
	if v == 0 {
		return 0
	}
	return (bits.Len32(v) + 7) / 8
}

// PutUint64 appends the var-int encoding of v to dst and returns the
// extended slice.
func PutUint64(dst []byte, v uint64) []byte {
	if v == math.MaxUint64 {
		return append(dst, undefinedLen)
	}
	n := sigBytes64(v)
	dst = append(dst, byte(n))
	var tmp [8]byte
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint64(tmp[:], v)
	} else {
		binary.BigEndian.PutUint64(tmp[:], v)
	}
	// tmp now holds the 8 bytes in host order; we want the n
	// significant bytes in the same byte order as the host would
	// naturally produce starting from the most-significant non-zero
	// byte.
	if HostEndianness == LittleEndian {
		return append(dst, tmp[:n]...)
	}
	return append(dst, tmp[8-n:]...)
}

// PutUint32 appends the var-int encoding of v to dst.
func PutUint32(dst []byte, v uint32) []byte {
	if v == math.MaxUint32 {
		return append(dst, undefinedLen)
	}
	n := sigBytes32(v)
	dst = append(dst, byte(n))
	var tmp [4]byte
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint32(tmp[:], v)
		return append(dst, tmp[:n]...)
	}
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(dst, tmp[4-n:]...)
}

// GetUint64 decodes a var-int u64 from src (which must begin with the
// length byte), returning the value, the number of bytes consumed, and
// an error if the length byte is out of range (§4.3.8 invariant 8:
// length bytes > 8 other than 0xFF are invalid).
func GetUint64(src []byte, chunkEnd Endianness) (uint64, int, error) {
	if len(src) == 0 {
		return 0, 0, newErr(KindOutOfBounds, "GetUint64", "no length byte")
	}
	l := src[0]
	if l == undefinedLen {
		return math.MaxUint64, 1, nil
	}
	if l > 8 {
		return 0, 0, newErr(KindIntegrity, "GetUint64", "length byte > 8")
	}
	n := int(l)
	if len(src) < 1+n {
		return 0, 0, newErr(KindOutOfBounds, "GetUint64", "truncated var-int")
	}
	var tmp [8]byte
	body := src[1 : 1+n]
	if chunkEnd == LittleEndian {
		copy(tmp[:], body)
	} else {
		copy(tmp[8-n:], body)
	}
	var v uint64
	if chunkEnd == LittleEndian {
		v = binary.LittleEndian.Uint64(tmp[:])
	} else {
		v = binary.BigEndian.Uint64(tmp[:])
	}
	return v, 1 + n, nil
}

// GetUint32 decodes a var-int u32 from src.
func GetUint32(src []byte, chunkEnd Endianness) (uint32, int, error) {
	if len(src) == 0 {
		return 0, 0, newErr(KindOutOfBounds, "GetUint32", "no length byte")
	}
	l := src[0]
	if l == undefinedLen {
		return math.MaxUint32, 1, nil
	}
	if l > 4 {
		return 0, 0, newErr(KindIntegrity, "GetUint32", "length byte > 4")
	}
	n := int(l)
	if len(src) < 1+n {
		return 0, 0, newErr(KindOutOfBounds, "GetUint32", "truncated var-int")
	}
	var tmp [4]byte
	body := src[1 : 1+n]
	if chunkEnd == LittleEndian {
		copy(tmp[:], body)
	} else {
		copy(tmp[4-n:], body)
	}
	var v uint32
	if chunkEnd == LittleEndian {
		v = binary.LittleEndian.Uint32(tmp[:])
	} else {
		v = binary.BigEndian.Uint32(tmp[:])
	}
	return v, 1 + n, nil
}

// MaxVarintLen64 is the maximum number of bytes a var-int u64 can occupy
// on the wire (1 length byte + 8 value bytes).
const MaxVarintLen64 = 9

// MaxVarintLen32 is the analogous bound for u32.
const MaxVarintLen32 = 5

// PutFixedUint16 / GetFixedUint16 implement the host-order, swap-on-read
// fixed-width u16 encoding used for non-compressible fields (§4.3.4).
func PutFixedUint16(dst []byte, v uint16) []byte {
	var tmp [2]byte
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint16(tmp[:], v)
	} else {
		binary.BigEndian.PutUint16(tmp[:], v)
	}
	return append(dst, tmp[:]...)
}

// PutFixedU16Into writes v, host-order, into dst[:2].
func PutFixedU16Into(dst []byte, v uint16) {
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint16(dst, v)
	} else {
		binary.BigEndian.PutUint16(dst, v)
	}
}

// PutFixedU64Into writes v, host-order, into dst[:8].
func PutFixedU64Into(dst []byte, v uint64) {
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint64(dst, v)
	} else {
		binary.BigEndian.PutUint64(dst, v)
	}
}

// PutFixedF32Into writes f, host-order, into dst[:4].
func PutFixedF32Into(dst []byte, f float32) {
	PutFixedU32Into(dst, math.Float32bits(f))
}

func PutFixedU32Into(dst []byte, v uint32) {
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint32(dst, v)
	} else {
		binary.BigEndian.PutUint32(dst, v)
	}
}

// PutFixedF64Into writes f, host-order, into dst[:8].
func PutFixedF64Into(dst []byte, f float64) {
	PutFixedU64Into(dst, math.Float64bits(f))
}

func GetFixedUint16(src []byte, chunkEnd Endianness) (uint16, error) {
	if len(src) < 2 {
		return 0, newErr(KindOutOfBounds, "GetFixedUint16", "truncated")
	}
	if chunkEnd == LittleEndian {
		return binary.LittleEndian.Uint16(src), nil
	}
	return binary.BigEndian.Uint16(src), nil
}

// PutFixedUint64 / GetFixedUint64 are used for the 8-byte absolute
// timestamps that follow a Timestamp control byte (§4.3.1) and for the
// chunk header's event-number watermarks (§6.1), which are always
// fixed-width and host-order at write time.
func PutFixedUint64(dst []byte, v uint64) []byte {
	var tmp [8]byte
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint64(tmp[:], v)
	} else {
		binary.BigEndian.PutUint64(tmp[:], v)
	}
	return append(dst, tmp[:]...)
}

func GetFixedUint64(src []byte, chunkEnd Endianness) (uint64, error) {
	if len(src) < 8 {
		return 0, newErr(KindOutOfBounds, "GetFixedUint64", "truncated")
	}
	if chunkEnd == LittleEndian {
		return binary.LittleEndian.Uint64(src), nil
	}
	return binary.BigEndian.Uint64(src), nil
}

// PutFixedUint64WithEndianness writes v into dst[:8] using chunkEnd
// rather than host order, for in-place rewrites of a field inside an
// already-written chunk whose recorded endianness may not match the
// current host (§4.3.10).
func PutFixedUint64WithEndianness(dst []byte, v uint64, chunkEnd Endianness) {
	if chunkEnd == LittleEndian {
		binary.LittleEndian.PutUint64(dst, v)
	} else {
		binary.BigEndian.PutUint64(dst, v)
	}
}

func PutFixedFloat32(dst []byte, f float32) []byte {
	var tmp [4]byte
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(f))
	} else {
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(f))
	}
	return append(dst, tmp[:]...)
}

func GetFixedFloat32(src []byte, chunkEnd Endianness) (float32, error) {
	if len(src) < 4 {
		return 0, newErr(KindOutOfBounds, "GetFixedFloat32", "truncated")
	}
	var bits32 uint32
	if chunkEnd == LittleEndian {
		bits32 = binary.LittleEndian.Uint32(src)
	} else {
		bits32 = binary.BigEndian.Uint32(src)
	}
	return math.Float32frombits(bits32), nil
}

func PutFixedFloat64(dst []byte, f float64) []byte {
	var tmp [8]byte
	if HostEndianness == LittleEndian {
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
	} else {
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	}
	return append(dst, tmp[:]...)
}

func GetFixedFloat64(src []byte, chunkEnd Endianness) (float64, error) {
	if len(src) < 8 {
		return 0, newErr(KindOutOfBounds, "GetFixedFloat64", "truncated")
	}
	var bits64 uint64
	if chunkEnd == LittleEndian {
		bits64 = binary.LittleEndian.Uint64(src)
	} else {
		bits64 = binary.BigEndian.Uint64(src)
	}
	return math.Float64frombits(bits64), nil
}
