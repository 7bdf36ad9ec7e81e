package wire

import (
	"io"

	"golang.org/x/exp/slices"
)

// Source is the read-side counterpart of Sink: something a Buffer can
// load chunk bytes from at arbitrary offsets. archfile.File implements
// this; for a compressed file, Seek operates on the decompressed
// logical offset space (§4.2), so wire never deals with compression
// directly.
type Source interface {
	io.Reader
	io.Seeker
	Size() (int64, error)
}

// AttachSource switches a freshly-constructed Read/Modify-mode Buffer
// onto backing storage and loads its first chunk (§4.3.2: "for
// reading/modify, defers the actual file open until open_file, at
// which point the first chunk is read and its header parsed").
func (b *Buffer) AttachSource(src Source) error {
	if b.mode != Read && b.mode != Modify {
		return newErr(KindStateInvalid, "AttachSource", "buffer is not in Read/Modify mode")
	}
	b.source = src
	if b.chunkMode == NotChunked {
		sz, err := src.Size()
		if err != nil {
			return wrapErr(KindIo, "AttachSource", "stat failed", err)
		}
		return b.loadChunkAt(0, int(sz))
	}
	return b.loadChunkAt(0, b.chunkSize)
}

// loadChunkAt reads `size` bytes starting at byte offset `off` from the
// source into the arena as the current read chunk and parses its
// header. The sliding three-chunk cache described in §4.3.8 is
// simplified here to reload-on-demand via Source.Seek, since Source
// already provides O(1) random access — this preserves the external
// seek/navigation contract without the internal caching optimization
// (see DESIGN.md).
func (b *Buffer) loadChunkAt(off int64, size int) error {
	if _, err := b.source.Seek(off, io.SeekStart); err != nil {
		return wrapErr(KindIo, "loadChunkAt", "seek failed", err)
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(b.source, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return wrapErr(KindIo, "loadChunkAt", "read failed", err)
	}
	buf = buf[:n]

	idx := b.readChunk
	if idx < 0 {
		b.arena.chunks = append(b.arena.chunks, chunk{prev: -1, next: -1})
		idx = len(b.arena.chunks) - 1
	}
	c := b.arena.get(idx)
	c.bytes = buf
	c.size = n
	c.number = 1
	if b.chunkSize > 0 {
		c.number = int(off/int64(b.chunkSize)) + 1
	}
	if err := parseHeader(c, buf); err != nil {
		return err
	}
	b.readChunk = idx
	b.readOffset = off
	b.readPos = HeaderSize
	b.haveCursor = false
	return nil
}

func (b *Buffer) readCur() *chunk {
	if b.readChunk < 0 {
		return nil
	}
	return b.arena.get(b.readChunk)
}

// ChunkHeaderInfo reports the currently loaded read chunk's number and
// event-number bounds, for diagnostic tools that walk a stream chunk
// by chunk without decoding every record.
func (b *Buffer) ChunkHeaderInfo() (number int, firstEvent, lastEvent uint64, ok bool) {
	c := b.readCur()
	if c == nil {
		return 0, 0, 0, false
	}
	return c.number, c.firstEvent, c.lastEvent, true
}

// ReadGetNextChunk advances the read cursor to the chunk immediately
// following the current one (§4.3.8).
func (b *Buffer) ReadGetNextChunk() error {
	c := b.readCur()
	if c == nil {
		return newErr(KindStateInvalid, "ReadGetNextChunk", "no chunk loaded")
	}
	next := b.readOffset + int64(c.size)
	sz, err := b.source.Size()
	if err != nil {
		return wrapErr(KindIo, "ReadGetNextChunk", "stat failed", err)
	}
	if next >= sz {
		return ErrOutOfBounds
	}
	return b.loadChunkAt(next, b.chunkSize)
}

// ReadGetPreviousChunk moves the read cursor to the chunk immediately
// preceding the current one.
func (b *Buffer) ReadGetPreviousChunk() error {
	if b.readChunk < 0 || b.readOffset == 0 {
		return ErrOutOfBounds
	}
	prev := b.readOffset - int64(b.chunkSize)
	if prev < 0 {
		return ErrOutOfBounds
	}
	return b.loadChunkAt(prev, b.chunkSize)
}

// ReadTimestamp returns the buffer's current event-time cursor,
// consuming a leading TIMESTAMP sub-record if present (§4.3.7,
// §8 property 2).
func (b *Buffer) ReadTimestamp() (uint64, error) {
	c := b.readCur()
	if c == nil {
		return 0, newErr(KindStateInvalid, "ReadTimestamp", "no chunk loaded")
	}
	if b.readPos >= c.size {
		return 0, ErrOutOfBounds
	}
	if RecordType(c.bytes[b.readPos]) == Timestamp {
		b.readPos++
		t, err := GetFixedUint64(c.bytes[b.readPos:], c.end)
		if err != nil {
			return 0, err
		}
		b.lastTimestampChunk = b.readChunk
		b.lastTimestampOff = b.readPos
		b.readPos += 8
		b.cursorTime = t
		b.haveCursor = true
	}
	return b.cursorTime, nil
}

// RewriteTimestamp overwrites the 8-byte time field most recently
// consumed by ReadTimestamp, in place, and advances the cursor to t.
// This is the sole supported in-place mutation in Modify mode
// (§4.3.10); it requires the backing source to also be writable at the
// byte offset the field occupies on disk.
func (b *Buffer) RewriteTimestamp(t uint64) error {
	if b.mode != Modify {
		return newErr(KindStateInvalid, "RewriteTimestamp", "buffer is not in Modify mode")
	}
	if b.lastTimestampOff < 0 || b.lastTimestampChunk != b.readChunk {
		return newErr(KindStateInvalid, "RewriteTimestamp", "no timestamp has been read at the current position")
	}
	c := b.readCur()
	if c == nil {
		return newErr(KindStateInvalid, "RewriteTimestamp", "no chunk loaded")
	}
	PutFixedUint64WithEndianness(c.bytes[b.lastTimestampOff:b.lastTimestampOff+8], t, c.end)
	abs := b.readOffset + int64(b.lastTimestampOff)
	field := c.bytes[b.lastTimestampOff : b.lastTimestampOff+8]

	// Prefer a positional write when the source offers one: archfile.File
	// coalesces ordinary Writes into a 4 MiB append buffer, so a bare
	// Seek+Write+Seek against it lands wherever that buffer happens to
	// flush rather than at abs. WriteAt bypasses the buffer entirely.
	if pw, ok := b.source.(interface {
		WriteAt(p []byte, off int64) (int, error)
	}); ok {
		if _, err := pw.WriteAt(field, abs); err != nil {
			return wrapErr(KindIo, "RewriteTimestamp", "positional write failed", err)
		}
		b.cursorTime = t
		return nil
	}

	type writerSeeker interface {
		io.Writer
		io.Seeker
	}
	ws, ok := b.source.(writerSeeker)
	if !ok {
		return newErr(KindStateInvalid, "RewriteTimestamp", "backing source does not support in-place writes")
	}
	if _, err := ws.Seek(abs, io.SeekStart); err != nil {
		return wrapErr(KindIo, "RewriteTimestamp", "seek failed", err)
	}
	if _, err := ws.Write(field); err != nil {
		return wrapErr(KindIo, "RewriteTimestamp", "write failed", err)
	}
	if _, err := ws.Seek(b.readOffset+int64(c.size), io.SeekStart); err != nil {
		return wrapErr(KindIo, "RewriteTimestamp", "seek restore failed", err)
	}
	b.cursorTime = t
	return nil
}

// PeekRecordType returns the control/record-type byte at the read
// cursor without consuming it.
func (b *Buffer) PeekRecordType() (RecordType, error) {
	c := b.readCur()
	if c == nil {
		return 0, newErr(KindStateInvalid, "PeekRecordType", "no chunk loaded")
	}
	if b.readPos >= c.size {
		return 0, ErrOutOfBounds
	}
	return RecordType(c.bytes[b.readPos]), nil
}

// ReadRecordHeader consumes the type byte and length prefix of the
// next record, returning the type and the payload length, and leaving
// the read cursor at the start of the payload (§6.2).
func (b *Buffer) ReadRecordHeader() (RecordType, int, error) {
	if err := b.GuaranteeRead(1); err != nil {
		return 0, 0, err
	}
	c := b.readCur()
	typ := RecordType(c.bytes[b.readPos])
	b.readPos++
	if err := b.GuaranteeRead(1); err != nil {
		return 0, 0, err
	}
	l := c.bytes[b.readPos]
	if l < 255 {
		b.readPos++
		return typ, int(l), nil
	}
	if err := b.GuaranteeRead(9); err != nil {
		return 0, 0, err
	}
	length := 0
	for i := 1; i < 9; i++ {
		length = (length << 8) | int(c.bytes[b.readPos+i])
	}
	b.readPos += 9
	return typ, length, nil
}

// SkipRecord advances the read cursor past a record's payload,
// regardless of how many of its fields the caller actually decoded
// (§6.2, §8 property 4 — forward compatibility).
func (b *Buffer) SkipRecord(payloadLen int) error {
	return b.Skip(payloadLen)
}

// Skip advances the read cursor by n bytes (§4.3.7).
func (b *Buffer) Skip(n int) error {
	if err := b.GuaranteeRead(n); err != nil {
		return err
	}
	b.readPos += n
	return nil
}

// SkipCompressed reads one var-int length byte and advances past that
// many bytes, treating 0xFF as zero-length (§4.3.7).
func (b *Buffer) SkipCompressed() error {
	if err := b.GuaranteeRead(1); err != nil {
		return err
	}
	c := b.readCur()
	l := c.bytes[b.readPos]
	b.readPos++
	if l == undefinedLen {
		return nil
	}
	return b.Skip(int(l))
}

// GuaranteeRead fails with an Integrity error if fewer than n bytes
// remain in the current chunk (§4.3.7).
func (b *Buffer) GuaranteeRead(n int) error {
	c := b.readCur()
	if c == nil {
		return newErr(KindStateInvalid, "GuaranteeRead", "no chunk loaded")
	}
	if b.readPos+n > c.size {
		return newErr(KindIntegrity, "GuaranteeRead", "truncated record")
	}
	return nil
}

// GuaranteeRecord consumes the next record's type byte and length
// prefix and validates that the whole payload fits in the current
// chunk, returning the payload length.
func (b *Buffer) GuaranteeRecord() (int, error) {
	_, length, err := b.ReadRecordHeader()
	if err != nil {
		return 0, err
	}
	if err := b.GuaranteeRead(length); err != nil {
		return 0, err
	}
	return length, nil
}

// --- field readers, mirroring the Buffer field writers ---

func (b *Buffer) ReadU8() (uint8, error) {
	if err := b.GuaranteeRead(1); err != nil {
		return 0, err
	}
	c := b.readCur()
	v := c.bytes[b.readPos]
	b.readPos++
	return v, nil
}

func (b *Buffer) ReadFixedU16() (uint16, error) {
	if err := b.GuaranteeRead(2); err != nil {
		return 0, err
	}
	c := b.readCur()
	v, err := GetFixedUint16(c.bytes[b.readPos:], c.end)
	b.readPos += 2
	return v, err
}

func (b *Buffer) ReadFixedU64() (uint64, error) {
	if err := b.GuaranteeRead(8); err != nil {
		return 0, err
	}
	c := b.readCur()
	v, err := GetFixedUint64(c.bytes[b.readPos:], c.end)
	b.readPos += 8
	return v, err
}

func (b *Buffer) ReadFixedF32() (float32, error) {
	if err := b.GuaranteeRead(4); err != nil {
		return 0, err
	}
	c := b.readCur()
	v, err := GetFixedFloat32(c.bytes[b.readPos:], c.end)
	b.readPos += 4
	return v, err
}

func (b *Buffer) ReadFixedF64() (float64, error) {
	if err := b.GuaranteeRead(8); err != nil {
		return 0, err
	}
	c := b.readCur()
	v, err := GetFixedFloat64(c.bytes[b.readPos:], c.end)
	b.readPos += 8
	return v, err
}

func (b *Buffer) ReadVarU32() (uint32, error) {
	c := b.readCur()
	if c == nil || b.readPos >= c.size {
		return 0, ErrOutOfBounds
	}
	v, n, err := GetUint32(c.bytes[b.readPos:], c.end)
	if err != nil {
		return 0, err
	}
	b.readPos += n
	return v, nil
}

func (b *Buffer) ReadVarU64() (uint64, error) {
	c := b.readCur()
	if c == nil || b.readPos >= c.size {
		return 0, ErrOutOfBounds
	}
	v, n, err := GetUint64(c.bytes[b.readPos:], c.end)
	if err != nil {
		return 0, err
	}
	b.readPos += n
	return v, nil
}

// ReadString reads a NUL-terminated string starting at the read
// cursor, returning a copy of its bytes (without the NUL).
func (b *Buffer) ReadString() (string, error) {
	c := b.readCur()
	if c == nil {
		return "", newErr(KindStateInvalid, "ReadString", "no chunk loaded")
	}
	buf := c.bytes[b.readPos:c.size]
	i := 0
	for i < len(buf) && buf[i] != 0 {
		i++
	}
	if i == len(buf) {
		return "", newErr(KindIntegrity, "ReadString", "unterminated string")
	}
	s := string(buf[:i])
	b.readPos += i + 1
	return s, nil
}

// AtChunkEnd reports whether the read cursor has reached the end of
// the current chunk's usable content (an EndOfChunk byte or true EOF).
func (b *Buffer) AtChunkEnd() bool {
	c := b.readCur()
	if c == nil || b.readPos >= c.size {
		return true
	}
	rt := RecordType(c.bytes[b.readPos])
	return rt == EndOfChunk || rt == EndOfFile
}

// --- seeks (§4.3.8) ---

// SeekChunk positions the reader at the chunk whose
// [firstEvent, lastEvent] range contains eventNumber (§8 property 9).
// Compression is not checked here: every probe goes through
// Source.Seek, which for a compressed file addresses logical offsets.
func (b *Buffer) SeekChunk(eventNumber uint64) error {
	total, err := b.source.Size()
	if err != nil {
		return wrapErr(KindIo, "SeekChunk", "stat failed", err)
	}
	n := chunkCount(total, b.chunkSize)
	idx, ok := slices.BinarySearchFunc(makeRange(n), eventNumber, func(chunkNo int, target uint64) int {
		var hdr [HeaderSize]byte
		off := int64(chunkNo) * int64(b.chunkSize)
		if _, err := b.source.Seek(off, io.SeekStart); err != nil {
			return 0
		}
		io.ReadFull(b.source, hdr[:])
		var c chunk
		parseHeader(&c, hdr[:])
		if target < c.firstEvent {
			return 1
		}
		if target > c.lastEvent {
			return -1
		}
		return 0
	})
	if !ok {
		return ErrOutOfBounds
	}
	return b.loadChunkAt(int64(idx)*int64(b.chunkSize), b.chunkSize)
}

func makeRange(n int) []int {
	r := make([]int, n)
	for i := range r {
		r[i] = i
	}
	return r
}

// chunkCount returns the number of chunks a stream of total bytes
// occupies at chunkSize each, rounding up: flush(final=true) writes
// the trailing chunk only up to its write position (§4.3.6 step 4),
// so the last chunk is almost never an exact multiple of chunkSize.
// Truncating division would silently drop that last chunk — and for
// any single-chunk stream, yield zero chunks altogether.
func chunkCount(total int64, chunkSize int) int {
	return int((total + int64(chunkSize) - 1) / int64(chunkSize))
}

// SeekChunkTime positions the reader at the latest chunk whose first
// timestamp is <= reqTime, or reports ErrOutOfBounds if every chunk's
// first timestamp exceeds reqTime (§8 property 10). Chunk first-
// timestamps are non-decreasing in chunk order, so the search for the
// rightmost qualifying chunk uses the same binary-search machinery as
// SeekChunk.
func (b *Buffer) SeekChunkTime(reqTime uint64) error {
	total, err := b.source.Size()
	if err != nil {
		return wrapErr(KindIo, "SeekChunkTime", "stat failed", err)
	}
	n := chunkCount(total, b.chunkSize)
	var searchErr error
	cut, _ := slices.BinarySearchFunc(makeRange(n), reqTime, func(chunkNo int, target uint64) int {
		ft, ok, err := b.chunkFirstTimestamp(chunkNo)
		if err != nil {
			searchErr = err
			return 0
		}
		if !ok || ft <= target {
			return -1
		}
		return 1
	})
	if searchErr != nil {
		return searchErr
	}
	best := cut - 1
	if best < 0 {
		return ErrOutOfBounds
	}
	return b.loadChunkAt(int64(best)*int64(b.chunkSize), b.chunkSize)
}

// chunkFirstTimestamp loads chunk i's header plus its first TIMESTAMP
// record, without disturbing the reader's current position.
func (b *Buffer) chunkFirstTimestamp(i int) (uint64, bool, error) {
	off := int64(i) * int64(b.chunkSize)
	if _, err := b.source.Seek(off, io.SeekStart); err != nil {
		return 0, false, wrapErr(KindIo, "chunkFirstTimestamp", "seek failed", err)
	}
	buf := make([]byte, HeaderSize+1+8)
	n, err := io.ReadFull(b.source, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, false, wrapErr(KindIo, "chunkFirstTimestamp", "read failed", err)
	}
	buf = buf[:n]
	var c chunk
	if err := parseHeader(&c, buf); err != nil {
		return 0, false, err
	}
	pos := HeaderSize
	if pos < len(buf) && RecordType(buf[pos]) == Timestamp {
		t, err := GetFixedUint64(buf[pos+1:], c.end)
		return t, true, err
	}
	return 0, false, nil
}
