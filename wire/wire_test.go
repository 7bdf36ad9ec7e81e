package wire

import (
	"bytes"
	"io"
	"testing"
)

type memSink struct{ buf bytes.Buffer }

func (m *memSink) Write(p []byte) (int, error) { return m.buf.Write(p) }

type memSource struct {
	data []byte
	pos  int64
}

func (m *memSource) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memSource) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	case 2:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memSource) Size() (int64, error) { return int64(len(m.data)), nil }

func (m *memSource) Write(p []byte) (int, error) {
	if int(m.pos)+len(p) > len(m.data) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func TestVarintRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 255, 256, 1 << 16, 1 << 32, 1<<64 - 2}
	for _, v := range vals {
		enc := PutUint64(nil, v)
		got, n, err := GetUint64(enc, HostEndianness)
		if err != nil {
			t.Fatalf("GetUint64(%d): %v", v, err)
		}
		if got != v || n != len(enc) {
			t.Fatalf("roundtrip %d: got %d, consumed %d want %d", v, got, n, len(enc))
		}
	}
	undef := PutUint64(nil, ^uint64(0))
	got, _, err := GetUint64(undef, HostEndianness)
	if err != nil || got != ^uint64(0) {
		t.Fatalf("undefined u64 roundtrip failed: %v %v", got, err)
	}
}

func TestBufferWriteCloseProducesEndOfFile(t *testing.T) {
	sink := &memSink{}
	b, err := New(Write, Chunked, EventStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetTimestamp(100); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(FirstUserRecordType, 8); err != nil {
		t.Fatal(err)
	}
	b.WriteFixedU64(42)
	if err := b.EndRecord(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	data := sink.buf.Bytes()
	if len(data) == 0 {
		t.Fatal("no data written")
	}
	if RecordType(data[len(data)-1]) != EndOfFile {
		t.Fatalf("expected trailing EndOfFile byte, got %d", data[len(data)-1])
	}
}

func TestChunkOverflowOpensNewChunk(t *testing.T) {
	sink := &memSink{}
	b, err := New(Write, Chunked, DefStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	recLen := 200
	payload := make([]byte, recLen)
	count := (ChunkMin / (recLen + 2)) + 4
	for i := 0; i < count; i++ {
		if err := b.BeginRecord(FirstUserRecordType, recLen); err != nil {
			t.Fatal(err)
		}
		for _, bb := range payload {
			b.WriteU8(bb)
		}
		if err := b.EndRecord(); err != nil {
			t.Fatal(err)
		}
	}
	if b.currentChunk().number < 2 {
		t.Fatalf("expected chunk overflow, stayed at chunk %d", b.currentChunk().number)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRewindRestoresWriteCursor(t *testing.T) {
	sink := &memSink{}
	b, err := New(Write, Chunked, DefStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(FirstUserRecordType, 8); err != nil {
		t.Fatal(err)
	}
	b.WriteFixedU64(1)
	if err := b.EndRecord(); err != nil {
		t.Fatal(err)
	}
	if err := b.StoreRewindPoint(1); err != nil {
		t.Fatal(err)
	}
	before := b.writePos
	if err := b.BeginRecord(FirstUserRecordType, 8); err != nil {
		t.Fatal(err)
	}
	b.WriteFixedU64(2)
	if err := b.EndRecord(); err != nil {
		t.Fatal(err)
	}
	if b.writePos == before {
		t.Fatal("expected write position to advance before rewind")
	}
	if err := b.Rewind(1); err != nil {
		t.Fatal(err)
	}
	if b.writePos != before {
		t.Fatalf("rewind did not restore write position: got %d want %d", b.writePos, before)
	}
}

func TestFlushInvalidatesRewindPoint(t *testing.T) {
	sink := &memSink{}
	b, err := New(Write, Chunked, DefStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(FirstUserRecordType, 8); err != nil {
		t.Fatal(err)
	}
	b.WriteFixedU64(1)
	if err := b.EndRecord(); err != nil {
		t.Fatal(err)
	}
	if err := b.StoreRewindPoint(1); err != nil {
		t.Fatal(err)
	}
	if err := b.flush(false); err != nil {
		t.Fatal(err)
	}
	if err := b.Rewind(1); err == nil {
		t.Fatal("expected rewind to fail after a real flush")
	}
}

func TestReadBackWrittenRecord(t *testing.T) {
	sink := &memSink{}
	b, err := New(Write, Chunked, DefStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(FirstUserRecordType, 8); err != nil {
		t.Fatal(err)
	}
	b.WriteFixedU64(12345)
	if err := b.EndRecord(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	rb, err := New(Read, Chunked, DefStream, ChunkMin, nil, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	src := &memSource{data: sink.buf.Bytes()}
	if err := rb.AttachSource(src); err != nil {
		t.Fatal(err)
	}
	typ, length, err := rb.ReadRecordHeader()
	if err != nil {
		t.Fatal(err)
	}
	if typ != FirstUserRecordType || length != 8 {
		t.Fatalf("unexpected record header: %v %d", typ, length)
	}
	v, err := rb.ReadFixedU64()
	if err != nil {
		t.Fatal(err)
	}
	if v != 12345 {
		t.Fatalf("got %d want 12345", v)
	}
}

func TestRewriteTimestampPersistsToSource(t *testing.T) {
	sink := &memSink{}
	wb, err := New(Write, Chunked, EventStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := wb.SetTimestamp(100); err != nil {
		t.Fatal(err)
	}
	if err := wb.BeginRecord(FirstUserRecordType, 8); err != nil {
		t.Fatal(err)
	}
	wb.WriteFixedU64(7)
	if err := wb.EndRecord(); err != nil {
		t.Fatal(err)
	}
	if err := wb.Close(); err != nil {
		t.Fatal(err)
	}

	data := append([]byte(nil), sink.buf.Bytes()...)
	mb, err := New(Modify, Chunked, EventStream, ChunkMin, nil, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	src := &memSource{data: data}
	if err := mb.AttachSource(src); err != nil {
		t.Fatal(err)
	}
	if _, err := mb.ReadTimestamp(); err != nil {
		t.Fatal(err)
	}
	if err := mb.RewriteTimestamp(999); err != nil {
		t.Fatalf("RewriteTimestamp: %v", err)
	}

	rb, err := New(Read, Chunked, EventStream, ChunkMin, nil, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rb.AttachSource(&memSource{data: data}); err != nil {
		t.Fatal(err)
	}
	ts, err := rb.ReadTimestamp()
	if err != nil {
		t.Fatal(err)
	}
	if ts != 999 {
		t.Fatalf("expected rewritten timestamp 999 on reload, got %d", ts)
	}
}

// writeTimestampedEvents writes count minimal user records to a
// ChunkMin-sized EventStream buffer, each preceded by a distinct,
// increasing SetTimestamp call, and returns the closed stream's bytes.
// Event numbers 1..count are assigned in order (BeginRecord increments
// lastEventSeen once per user record on an event stream).
func writeTimestampedEvents(t *testing.T, count, recLen int) []byte {
	t.Helper()
	sink := &memSink{}
	b, err := New(Write, Chunked, EventStream, ChunkMin, sink, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, recLen)
	for i := 0; i < count; i++ {
		if err := b.SetTimestamp(uint64(i+1) * 100); err != nil {
			t.Fatal(err)
		}
		if err := b.BeginRecord(FirstUserRecordType, recLen); err != nil {
			t.Fatal(err)
		}
		for _, bb := range payload {
			b.WriteU8(bb)
		}
		if err := b.EndRecord(); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	return append([]byte(nil), sink.buf.Bytes()...)
}

func openForSeeking(t *testing.T, data []byte) *Buffer {
	t.Helper()
	rb, err := New(Read, Chunked, EventStream, ChunkMin, nil, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rb.AttachSource(&memSource{data: data}); err != nil {
		t.Fatal(err)
	}
	return rb
}

// TestSeekChunkSingleChunkStream guards against the truncating-division
// bug where a stream short enough to fit in one (necessarily partial)
// chunk computed a chunk count of zero, making SeekChunk fail
// unconditionally instead of landing on the only chunk there is.
func TestSeekChunkSingleChunkStream(t *testing.T) {
	data := writeTimestampedEvents(t, 5, 200)
	rb := openForSeeking(t, data)
	if err := rb.SeekChunk(1); err != nil {
		t.Fatalf("SeekChunk on single-chunk stream: %v", err)
	}
	_, first, last, ok := rb.ChunkHeaderInfo()
	if !ok || first > 1 || last < 1 {
		t.Fatalf("seeked chunk does not contain event 1: first=%d last=%d ok=%v", first, last, ok)
	}
}

func TestSeekChunkTimeSingleChunkStream(t *testing.T) {
	data := writeTimestampedEvents(t, 5, 200)
	rb := openForSeeking(t, data)
	if err := rb.SeekChunkTime(100); err != nil {
		t.Fatalf("SeekChunkTime on single-chunk stream: %v", err)
	}
	ts, err := rb.ReadTimestamp()
	if err != nil {
		t.Fatal(err)
	}
	if ts > 100 {
		t.Fatalf("seeked chunk's first timestamp %d exceeds requested 100", ts)
	}
}

// TestSeekChunkMultiChunkStream forces several chunk rollovers and
// checks that SeekChunk lands on the chunk whose event range actually
// contains the requested event number, for targets in the first,
// middle, and last chunk.
func TestSeekChunkMultiChunkStream(t *testing.T) {
	recLen := 200
	perChunk := ChunkMin / (recLen + 10)
	count := perChunk * 3
	data := writeTimestampedEvents(t, count, recLen)

	targets := []uint64{1, uint64(count / 2), uint64(count)}
	for _, target := range targets {
		rb := openForSeeking(t, data)
		if err := rb.SeekChunk(target); err != nil {
			t.Fatalf("SeekChunk(%d): %v", target, err)
		}
		num, first, last, ok := rb.ChunkHeaderInfo()
		if !ok || target < first || target > last {
			t.Fatalf("SeekChunk(%d) landed on chunk %d [%d,%d]", target, num, first, last)
		}
	}
}

// TestSeekChunkTimeMultiChunkStream mirrors
// TestSeekChunkMultiChunkStream for time-based seeking: each chunk's
// first timestamp must be <= the requested time, and (where a next
// chunk exists) strictly less than the next chunk's first timestamp,
// confirming the binary search lands on the rightmost qualifying
// chunk rather than merely any qualifying one.
func TestSeekChunkTimeMultiChunkStream(t *testing.T) {
	recLen := 200
	perChunk := ChunkMin / (recLen + 10)
	count := perChunk * 3
	data := writeTimestampedEvents(t, count, recLen)

	reqTimes := []uint64{100, uint64(count/2) * 100, uint64(count) * 100}
	for _, reqTime := range reqTimes {
		rb := openForSeeking(t, data)
		if err := rb.SeekChunkTime(reqTime); err != nil {
			t.Fatalf("SeekChunkTime(%d): %v", reqTime, err)
		}
		ts, err := rb.ReadTimestamp()
		if err != nil {
			t.Fatal(err)
		}
		if ts > reqTime {
			t.Fatalf("SeekChunkTime(%d) landed on chunk starting at %d", reqTime, ts)
		}
		if err := rb.ReadGetNextChunk(); err == nil {
			if nextTs, err := rb.ReadTimestamp(); err == nil && nextTs <= reqTime {
				t.Fatalf("SeekChunkTime(%d) did not land on rightmost qualifying chunk: next chunk starts at %d", reqTime, nextTs)
			}
		}
	}
}

func TestEndiannessSwapOnForeignChunk(t *testing.T) {
	foreign := LittleEndian
	if HostEndianness == LittleEndian {
		foreign = BigEndian
	}
	var buf []byte
	buf = append(buf, byte(ChunkHeader), byte(foreign))
	first := make([]byte, 8)
	if foreign == LittleEndian {
		first[0] = 1
	} else {
		first[7] = 1
	}
	buf = append(buf, first...)
	buf = append(buf, make([]byte, 8)...)
	var c chunk
	if err := parseHeader(&c, buf); err != nil {
		t.Fatal(err)
	}
	if c.end != foreign {
		t.Fatalf("expected parsed endianness %v, got %v", foreign, c.end)
	}
	if c.firstEvent != 1 {
		t.Fatalf("expected foreign-order first event number 1, got %d", c.firstEvent)
	}
}
