package wire

import "io"

// StreamKind distinguishes an event stream (which carries timestamp
// interleaving and BUFFER_FLUSH synthesis) from the other stream kinds,
// which don't.
type StreamKind int

const (
	EventStream StreamKind = iota
	DefStream
	GlobalDefStream
	SnapStream
	ThumbStream
	MarkerStream
)

func (k StreamKind) isEvent() bool { return k == EventStream }

// FlushAction is the result of a PreFlush callback (§4.3.6 step 2).
type FlushAction int

const (
	// FlushDefault lets the Buffer pick its stream-kind default
	// (NoFlush for event streams, Flush otherwise).
	FlushDefault FlushAction = iota
	DoFlush
	NoFlush
)

// Sink is where a Buffer's finished chunks go. archfile.File implements
// this; wire itself has no notion of compression or coalescing.
type Sink interface {
	io.Writer
}

// Callbacks bundles the caller-supplied hooks a Buffer consults. All
// fields are optional; nil means "use the documented default".
type Callbacks struct {
	// PreFlush decides whether a call to Flush actually drains the
	// chunk chain to Sink (see FlushAction docs).
	PreFlush func(kind StreamKind) FlushAction
	// PostFlushTimestamp, when non-nil, is consulted every time a new
	// chunk is opened in an event stream; it supplies the timestamp
	// for the resulting synthetic BUFFER_FLUSH record (§4.3.5 step 4).
	// When nil, no BUFFER_FLUSH record is ever written.
	PostFlushTimestamp func() uint64
	// Alloc, when non-nil, is used instead of a plain make([]byte, n)
	// to obtain chunk storage; an error return simulates allocation
	// failure and triggers the flush-and-retry path (§4.3.5 step 3).
	Alloc func(n int) ([]byte, error)
}

// Buffer owns a chunk chain for one logical stream (§4.3). It is not
// safe for concurrent use by multiple goroutines.
type Buffer struct {
	kind      StreamKind
	chunkSize int
	chunkMode ChunkMode
	mode      Mode
	cb        Callbacks
	sink      Sink

	arena arena
	head  int // first chunk of the live chain, -1 if none
	cur   int // chunk currently being written, -1 if none

	writePos int // write offset within chunks[cur].bytes

	source Source // backing storage for Read/Modify, nil until AttachSource

	readChunk  int   // arena index of the chunk currently being read, -1 if none
	readPos    int
	readOffset int64 // byte offset of readChunk within source

	cursorTime    uint64
	haveCursor    bool
	lastEventSeen uint64 // highest event number assigned so far

	// lastTimestampOff is the in-chunk byte offset of the 8-byte field
	// most recently consumed by ReadTimestamp, for RewriteTimestamp
	// (§4.3.10). -1 when no timestamp has been read yet.
	lastTimestampOff  int
	lastTimestampChunk int

	oldHead int // old-chunk-list head, for rewind reuse, -1 if empty

	rewindPoints []rewindPoint

	// in-progress record bookkeeping
	recOpen   bool
	recLenOff int
	recLenLen int // 1 or 9

	closed bool
}

// New creates a Buffer for a single logical stream. For Write mode the
// first chunk is allocated and its header written immediately
// (§4.3.2); for Read and Modify mode no chunk is allocated until
// AttachSource loads the first one from backing storage.
func New(mode Mode, chunkMode ChunkMode, kind StreamKind, chunkSize int, sink Sink, cb Callbacks) (*Buffer, error) {
	if mode != Write && mode != Modify && mode != Read {
		return nil, newErr(KindArgumentInvalid, "New", "bad mode")
	}
	if chunkMode == Chunked && !ValidChunkSize(chunkSize) {
		return nil, newErr(KindArgumentInvalid, "New", "chunk size out of range")
	}
	b := &Buffer{
		kind:      kind,
		chunkSize: chunkSize,
		chunkMode: chunkMode,
		mode:      mode,
		cb:        cb,
		sink:      sink,
		head:      -1,
		cur:       -1,
		readChunk:         -1,
		oldHead:           -1,
		lastTimestampOff:  -1,
		lastTimestampChunk: -1,
	}
	if mode == Write {
		if err := b.openChunk(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Mode returns the Buffer's current access mode.
func (b *Buffer) Mode() Mode { return b.mode }

// SwitchMode performs one of the three legal forward transitions
// (Write->Modify, Write->Read, Modify->Read; §4.3.3). All others return a StateInvalid error.
func (b *Buffer) SwitchMode(to Mode) error {
	switch {
	case b.mode == Write && to == Modify:
		if err := b.closeForRead(); err != nil {
			return err
		}
		b.mode = Modify
		return nil
	case b.mode == Write && to == Read:
		if err := b.closeForRead(); err != nil {
			return err
		}
		b.mode = Read
		b.head = -1
		b.cur = -1
		return nil
	case b.mode == Modify && to == Read:
		b.mode = Read
		b.head = -1
		b.cur = -1
		return nil
	default:
		return newErr(KindStateInvalid, "SwitchMode", "illegal mode transition "+b.mode.String()+"->"+to.String())
	}
}

// closeForRead pads the current chunk's tail and rewinds the read
// cursor to the start of the chain, leaving the write cursor in place
// (Write->Modify) or invalid (Write->Read, handled by caller).
func (b *Buffer) closeForRead() error {
	if b.cur >= 0 {
		c := b.arena.get(b.cur)
		stampLast(c, b.lastEventSeen)
		if b.chunkMode == Chunked {
			padChunk(c.bytes, b.writePos)
		}
	}
	b.readChunk = b.head
	b.readPos = HeaderSize
	b.haveCursor = false
	return nil
}

func (b *Buffer) currentChunk() *chunk {
	if b.cur < 0 {
		return nil
	}
	return b.arena.get(b.cur)
}

// openChunk allocates (or reuses) a chunk, links it into the chain, and
// writes its header. It is the sole allocation point used both for the
// very first chunk and for chunk-overflow (§4.3.5).
func (b *Buffer) openChunk() error {
	reuse := -1
	if b.oldHead >= 0 {
		reuse = b.oldHead
		b.oldHead = b.arena.get(reuse).next
	}
	idx, err := b.allocChunk(reuse)
	if err != nil {
		// §4.3.5 step 3: allocation failed; if a flush path exists,
		// drain the chain and retry once with a clean slate.
		if b.sink != nil && b.head >= 0 {
			if ferr := b.flush(false); ferr != nil {
				return ferr
			}
			idx, err = b.allocChunk(-1)
		}
		if err != nil {
			return err
		}
	}
	c := b.arena.get(idx)
	prevCur := b.cur
	if prevCur >= 0 {
		prev := b.arena.get(prevCur)
		prev.next = idx
		c.prev = prevCur
		c.number = prev.number + 1
		c.firstEvent = b.lastEventSeen + 1
	} else {
		c.prev = -1
		c.number = 1
		c.firstEvent = b.lastEventSeen + 1
		b.head = idx
	}
	c.next = -1
	writeHeader(c)
	b.cur = idx
	b.writePos = HeaderSize

	// Every chunk of an event stream starts with its own TIMESTAMP
	// sub-record whenever a cursor time is already established, so the
	// chunk is independently time-addressable without having to walk
	// back into the previous chunk (§4.3.8, chunkFirstTimestamp).
	// SetTimestamp's own dedup (skip when t == cursorTime) only applies
	// within a chunk; a chunk boundary always gets a fresh stamp.
	if b.kind.isEvent() && b.haveCursor {
		c.bytes[b.writePos] = byte(Timestamp)
		b.writePos++
		putHeaderU64(c.bytes[b.writePos:b.writePos+8], b.cursorTime)
		b.writePos += 8
	}

	if b.kind.isEvent() && b.cb.PostFlushTimestamp != nil {
		t := b.cb.PostFlushTimestamp()
		if err := b.writeBufferFlush(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *Buffer) allocChunk(reuse int) (int, error) {
	size := b.chunkSize
	if b.chunkMode == NotChunked {
		size = HeaderSize + 4096 // grows on demand via growCurrent
	}
	if b.cb.Alloc != nil {
		buf, err := b.cb.Alloc(size)
		if err != nil {
			return -1, wrapErr(KindMemory, "allocChunk", "allocator callback failed", err)
		}
		if reuse >= 0 {
			c := b.arena.get(reuse)
			c.bytes = buf[:size]
			c.size = size
			c.prev, c.next = -1, -1
			c.firstEvent, c.lastEvent = 0, 0
			return reuse, nil
		}
		b.arena.chunks = append(b.arena.chunks, chunk{bytes: buf[:size], size: size, prev: -1, next: -1})
		return len(b.arena.chunks) - 1, nil
	}
	return b.arena.alloc(size, reuse), nil
}

// growCurrent doubles the current chunk's backing slab; only used in
// NotChunked mode, where a stream is one logical, dynamically-sized
// chunk (§3 "Chunk" — sized lazily to file length on read).
func (b *Buffer) growCurrent(need int) {
	c := b.currentChunk()
	if b.writePos+need <= len(c.bytes) {
		return
	}
	ns := len(c.bytes) * 2
	for ns < b.writePos+need {
		ns *= 2
	}
	nb := make([]byte, ns)
	copy(nb, c.bytes[:b.writePos])
	c.bytes = nb
	c.size = ns
}

func (b *Buffer) writeBufferFlush(t uint64) error {
	if err := b.BeginRecord(BufferFlush, 8); err != nil {
		return err
	}
	b.WriteFixedU64(t)
	return b.EndRecord()
}

// recordRequest reserves maxLen bytes in the current chunk, opening a
// new chunk first if the record would overflow (§4.3.4 step 2,
// §4.3.5). It returns ArgumentInvalid if maxLen cannot possibly fit in
// a fresh chunk.
func (b *Buffer) recordRequest(maxLen int) error {
	if b.chunkMode == NotChunked {
		b.growCurrent(maxLen)
		return nil
	}
	if HeaderSize+maxLen > b.chunkSize {
		return newErr(KindArgumentInvalid, "recordRequest", "record exceeds chunk size")
	}
	c := b.currentChunk()
	if c == nil || b.writePos+maxLen > c.size {
		// close out the current chunk (stamp + pad) and open a fresh one
		if c != nil {
			stampLast(c, b.lastEventSeen)
			padChunk(c.bytes, b.writePos)
		}
		return b.openChunk()
	}
	return nil
}

// SetTimestamp advances the event cursor, emitting a TIMESTAMP
// sub-record first if t differs from the buffer's current cursor
// (§4.3.1, §4.3.4 step 1, §8 property 2). No-op for non-event streams.
func (b *Buffer) SetTimestamp(t uint64) error {
	if !b.kind.isEvent() {
		return nil
	}
	if b.haveCursor && b.cursorTime == t {
		return nil
	}
	if err := b.recordRequest(1 + 8); err != nil {
		return err
	}
	c := b.currentChunk()
	c.bytes[b.writePos] = byte(Timestamp)
	b.writePos++
	putHeaderU64(c.bytes[b.writePos:b.writePos+8], t)
	b.writePos += 8
	b.cursorTime = t
	b.haveCursor = true
	return nil
}

// BeginRecord reserves space for a record of at most maxLen payload
// bytes and writes its type byte and length-prefix placeholder
// (§4.3.4 steps 2-4, §6.2).
func (b *Buffer) BeginRecord(typ RecordType, maxLen int) error {
	if b.recOpen {
		return newErr(KindStateInvalid, "BeginRecord", "record already open")
	}
	lenLen := 1
	if maxLen >= 255 {
		lenLen = 9
	}
	if err := b.recordRequest(1 + lenLen + maxLen); err != nil {
		return err
	}
	c := b.currentChunk()
	c.bytes[b.writePos] = byte(typ)
	b.writePos++
	b.recLenOff = b.writePos
	b.recLenLen = lenLen
	if lenLen == 1 {
		c.bytes[b.writePos] = 0
		b.writePos++
	} else {
		c.bytes[b.writePos] = 0xFF
		for i := 1; i < 9; i++ {
			c.bytes[b.writePos+i] = 0
		}
		b.writePos += 9
	}
	b.recOpen = true
	if typ >= FirstUserRecordType && b.kind.isEvent() {
		b.lastEventSeen++
	}
	return nil
}

// EndRecord backfills the length-prefix bytes reserved by BeginRecord
// with the actual encoded length (§4.3.4 step 6).
func (b *Buffer) EndRecord() error {
	if !b.recOpen {
		return newErr(KindStateInvalid, "EndRecord", "no record open")
	}
	c := b.currentChunk()
	length := b.writePos - (b.recLenOff + b.recLenLen)
	if b.recLenLen == 1 {
		if length >= 255 {
			return newErr(KindArgumentInvalid, "EndRecord", "record exceeded single-byte length budget")
		}
		c.bytes[b.recLenOff] = byte(length)
	} else {
		c.bytes[b.recLenOff] = 0xFF
		off := b.recLenOff + 1
		for i := 7; i >= 0; i-- {
			c.bytes[off+i] = byte(length)
			length >>= 8
		}
	}
	b.recOpen = false
	return nil
}

func (b *Buffer) growField(n int) []byte {
	c := b.currentChunk()
	start := b.writePos
	b.writePos += n
	return c.bytes[start:b.writePos]
}

// --- field writers (§4.3.4 integer-encoding table) ---

func (b *Buffer) WriteU8(v uint8) { b.growField(1)[0] = v }

func (b *Buffer) WriteFixedU16(v uint16) { PutFixedU16Into(b.growField(2), v) }
func (b *Buffer) WriteFixedU64(v uint64) { PutFixedU64Into(b.growField(8), v) }
func (b *Buffer) WriteFixedF32(v float32) { PutFixedF32Into(b.growField(4), v) }
func (b *Buffer) WriteFixedF64(v float64) { PutFixedF64Into(b.growField(8), v) }

func (b *Buffer) WriteVarU32(v uint32) {
	dst := PutUint32(nil, v)
	copy(b.growField(len(dst)), dst)
}

func (b *Buffer) WriteVarU64(v uint64) {
	dst := PutUint64(nil, v)
	copy(b.growField(len(dst)), dst)
}

// WriteString writes a NUL-terminated string (§4.3.4 "str" row).
func (b *Buffer) WriteString(s string) {
	dst := b.growField(len(s) + 1)
	copy(dst, s)
	dst[len(s)] = 0
}

// Flush forces the chunk chain to the Sink, subject to the PreFlush
// callback's decision (§4.3.6). It is exported for callers that want
// an explicit mid-stream flush; Close always performs a final flush.
func (b *Buffer) Flush() error {
	action := FlushDefault
	if b.cb.PreFlush != nil {
		action = b.cb.PreFlush(b.kind)
	}
	if action == NoFlush {
		return nil
	}
	if action == FlushDefault && b.kind.isEvent() {
		return nil
	}
	return b.flush(false)
}

// flush is the real drain; final=true is used by Close, which always
// writes out regardless of the PreFlush decision (and writes the
// trailing chunk up to writePos rather than padding it, §4.3.6 step 4).
func (b *Buffer) flush(final bool) error {
	b.rewindPoints = b.rewindPoints[:0]
	if b.cur < 0 {
		return nil
	}
	if b.chunkMode == NotChunked {
		c := b.currentChunk()
		if _, err := b.sink.Write(c.bytes[:b.writePos]); err != nil {
			return wrapErr(KindIo, "flush", "sink write failed", err)
		}
		if _, err := b.sink.Write([]byte{byte(EndOfChunk)}); err != nil {
			return wrapErr(KindIo, "flush", "sink write failed", err)
		}
		b.releaseChain()
		return nil
	}
	c := b.currentChunk()
	stampLast(c, b.lastEventSeen)
	if !final {
		padChunk(c.bytes, b.writePos)
	}
	idx := b.head
	for idx >= 0 {
		cc := b.arena.get(idx)
		n := cc.size
		if idx == b.cur && final {
			n = b.writePos
		}
		if _, err := b.sink.Write(cc.bytes[:n]); err != nil {
			return wrapErr(KindIo, "flush", "sink write failed", err)
		}
		idx = cc.next
	}
	b.releaseChain()
	return nil
}

// releaseChain moves every chunk in the live chain onto the
// old-chunk-list for reuse and clears head/cur (§4.3.6 step 5).
func (b *Buffer) releaseChain() {
	if b.head < 0 {
		return
	}
	idx := b.head
	for idx >= 0 {
		cc := b.arena.get(idx)
		next := cc.next
		cc.next = b.oldHead
		b.oldHead = idx
		idx = next
	}
	b.head = -1
	b.cur = -1
}

// Close finalizes the stream: flushes any remaining data and writes
// the single EndOfFile byte (§4.3.2 invariant 5). A Modify-mode Buffer
// never appends new chunks — it only rewrites bytes already on disk
// via RewriteTimestamp — so it has no trailing EndOfFile marker of its
// own to (re)write; doing so anyway would land wherever the Buffer's
// read cursor last parked and corrupt whatever record follows it.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.mode == Modify {
		return nil
	}
	if b.mode != Write {
		return nil
	}
	if err := b.flush(true); err != nil {
		return err
	}
	if b.sink != nil {
		if _, err := b.sink.Write([]byte{byte(EndOfFile)}); err != nil {
			return wrapErr(KindIo, "Close", "sink write failed", err)
		}
	}
	return nil
}

// LastEventNumber returns the highest event number assigned so far (0
// if none). Only user records of an event stream are numbered.
func (b *Buffer) LastEventNumber() uint64 { return b.lastEventSeen }
