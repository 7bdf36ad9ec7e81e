package substrate

import (
	"context"
	"testing"
)

func TestPosixRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := NewPosix(dir, "trace")
	h, err := p.Open(ctx, EventFile, 7, Write)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	rh, err := p.Open(ctx, EventFile, 7, Read)
	if err != nil {
		t.Fatal(err)
	}
	defer rh.Close()
	buf := make([]byte, 5)
	if _, err := rh.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
}

func TestMultiplexSharesContainersByHash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := NewMultiplex(dir, "trace", 1, 2)
	m.NegotiateFileCount = func(context.Context) (int, error) { return 2, nil }

	h1, err := m.Open(ctx, EventFile, 1, Write)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h1.Write([]byte("loc1")); err != nil {
		t.Fatal(err)
	}

	h2, err := m.Open(ctx, EventFile, 2, Write)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h2.Write([]byte("loc2-data")); err != nil {
		t.Fatal(err)
	}

	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	sz1, _ := h1.Size()
	sz2, _ := h2.Size()
	if sz1 == 0 || sz2 == 0 {
		t.Fatalf("expected nonzero sizes, got %d %d", sz1, sz2)
	}
}

func TestNullDiscards(t *testing.T) {
	var n Null
	h, _ := n.Open(context.Background(), DefFile, 0, Write)
	w, err := h.Write([]byte("anything"))
	if err != nil || w != 8 {
		t.Fatalf("Null.Write: %d %v", w, err)
	}
	buf := make([]byte, 4)
	if _, err := h.Read(buf); err == nil {
		t.Fatal("expected EOF from Null read")
	}
}
