package wire

// HeaderSize is the fixed size of the 18-byte chunk header (§6.1).
const HeaderSize = 18

// chunk is a contiguous slab of bytes, the transport unit between
// Buffer and the File layer. Chunks are owned by exactly one Buffer's
// arena; prev/next are indices into that arena, not pointers, per the
// arena+indices design note (spec.md §9) — this removes the cyclic
// shared-ownership questions a doubly linked pointer list would raise.
type chunk struct {
	bytes []byte
	// size is the usable payload length (chunk size); bytes may have
	// extra capacity reused across rewinds.
	size int
	// number is the 1-based ordinal of this chunk. On the write side it
	// counts within the current chain, which restarts at 1 after a
	// flush releases the chain; on the read side it is the chunk's
	// position within the stream.
	number int

	firstEvent uint64
	lastEvent  uint64

	end Endianness // endianness recorded in this chunk's header

	prev, next int // arena indices, or -1
}

// arena owns the chunks for one Buffer. Slots are never removed; free
// slots are tracked implicitly via the old-chunk-list chain
// (§4.3.5/§4.3.9), which reuses slab capacity rather than returning
// slots to a free list, matching how rewinds are expected to be
// followed by more writes of similar size.
type arena struct {
	chunks []chunk
}

func (a *arena) get(idx int) *chunk {
	return &a.chunks[idx]
}

// alloc reserves a new chunk slot, reusing slab capacity from a
// previously-freed chunk if reuse >= 0 (the old-chunk-list head).
func (a *arena) alloc(size int, reuse int) int {
	if reuse >= 0 {
		c := &a.chunks[reuse]
		if cap(c.bytes) >= size {
			c.bytes = c.bytes[:size]
		} else {
			c.bytes = make([]byte, size)
		}
		c.size = size
		c.prev = -1
		c.next = -1
		c.firstEvent = 0
		c.lastEvent = 0
		return reuse
	}
	a.chunks = append(a.chunks, chunk{
		bytes: make([]byte, size),
		size:  size,
		prev:  -1,
		next:  -1,
	})
	return len(a.chunks) - 1
}

// writeHeader stamps the 18-byte chunk header into c.bytes[0:18].
func writeHeader(c *chunk) {
	b := c.bytes
	b[0] = byte(ChunkHeader)
	b[1] = byte(HostEndianness)
	putHeaderU64(b[2:10], c.firstEvent)
	putHeaderU64(b[10:18], c.lastEvent)
	c.end = HostEndianness
}

// stampLast rewrites only the last-event-number field of an
// already-written header (done at chunk close, §4.3.2 invariant 2).
func stampLast(c *chunk, last uint64) {
	putHeaderU64(c.bytes[10:18], last)
	c.lastEvent = last
}

func putHeaderU64(dst []byte, v uint64) {
	// fixed-width, host order at write time (§6.1)
	if HostEndianness == LittleEndian {
		for i := 0; i < 8; i++ {
			dst[i] = byte(v >> (8 * i))
		}
	} else {
		for i := 0; i < 8; i++ {
			dst[7-i] = byte(v >> (8 * i))
		}
	}
}

func getHeaderU64(src []byte, end Endianness) uint64 {
	var v uint64
	if end == LittleEndian {
		for i := 0; i < 8; i++ {
			v |= uint64(src[i]) << (8 * i)
		}
	} else {
		for i := 0; i < 8; i++ {
			v |= uint64(src[7-i]) << (8 * i)
		}
	}
	return v
}

// parseHeader validates and loads the 18-byte header at the front of
// raw into c, returning an *Error with Kind Integrity if the header is
// malformed (bad control byte or endianness marker — §7).
func parseHeader(c *chunk, raw []byte) error {
	if len(raw) < HeaderSize {
		return newErr(KindIntegrity, "parseHeader", "chunk shorter than header")
	}
	if RecordType(raw[0]) != ChunkHeader {
		return newErr(KindIntegrity, "parseHeader", "bad chunk-header control byte")
	}
	switch raw[1] {
	case byte(BigEndian), byte(LittleEndian):
		c.end = Endianness(raw[1])
	default:
		return newErr(KindIntegrity, "parseHeader", "illegal endianness byte")
	}
	c.firstEvent = getHeaderU64(raw[2:10], c.end)
	c.lastEvent = getHeaderU64(raw[10:18], c.end)
	return nil
}

// padChunk fills the range [from:len(bytes)) with EndOfChunk bytes.
func padChunk(bytes []byte, from int) {
	pad := bytes[from:]
	for i := range pad {
		pad[i] = byte(EndOfChunk)
	}
}
