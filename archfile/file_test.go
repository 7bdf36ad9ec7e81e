package archfile

import (
	"bytes"
	"io"
	"testing"
)

type memHandle struct {
	buf bytes.Buffer
	pos int64
}

func (m *memHandle) Read(p []byte) (int, error) {
	n := copy(p, m.buf.Bytes()[m.pos:])
	if n == 0 {
		return 0, io.EOF
	}
	m.pos += int64(n)
	return n, nil
}

func (m *memHandle) Write(p []byte) (int, error) {
	data := m.buf.Bytes()
	if int(m.pos) < len(data) {
		copy(data[m.pos:], p)
		m.pos += int64(len(p))
		return len(p), nil
	}
	n, err := m.buf.Write(p)
	m.pos += int64(n)
	return n, err
}

func (m *memHandle) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	case 2:
		m.pos = int64(m.buf.Len()) + offset
	}
	return m.pos, nil
}

func (m *memHandle) Size() (int64, error) { return int64(m.buf.Len()), nil }
func (m *memHandle) Close() error         { return nil }

func TestUncompressedRoundTrip(t *testing.T) {
	mh := &memHandle{}
	f := New(mh, false)
	if _, err := f.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	rf := New(mh, false)
	mh.pos = 0
	buf := make([]byte, 11)
	if _, err := rf.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("got %q", buf)
	}
}

func TestCompressedRoundTripAndSeek(t *testing.T) {
	mh := &memHandle{}
	f := New(mh, true)
	block1 := bytes.Repeat([]byte("A"), 100)
	block2 := bytes.Repeat([]byte("B"), 5*1024*1024) // larger than CoalesceSize: written as its own second block
	if _, err := f.Write(block1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(block2); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	rf := New(mh, true)
	mh.pos = 0
	all := make([]byte, len(block1)+len(block2))
	if _, err := io.ReadFull(rf, all); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(all[:len(block1)], block1) {
		t.Fatal("block1 mismatch")
	}
	if !bytes.Equal(all[len(block1):], block2) {
		t.Fatal("block2 mismatch")
	}

	rf2 := New(mh, true)
	if _, err := rf2.Seek(int64(len(block1)+10), io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	if _, err := rf2.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, block2[10:15]) {
		t.Fatalf("seek-then-read mismatch: got %q", got)
	}

	sz, err := rf2.Size()
	if err != nil {
		t.Fatal(err)
	}
	if sz != int64(len(block1)+len(block2)) {
		t.Fatalf("Size() = %d, want %d", sz, len(block1)+len(block2))
	}
}
