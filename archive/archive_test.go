package archive

import (
	"context"
	"testing"

	"github.com/hpctrace/tracearch/substrate"
	"github.com/hpctrace/tracearch/wire"
)

func TestConfigChunkSizeValidation(t *testing.T) {
	cfg := NewConfig("/tmp/doesnotmatter", "trace")
	if err := cfg.SetEventChunkSize(1024); err == nil {
		t.Fatal("expected error for too-small chunk size")
	}
	if err := cfg.SetEventChunkSize(wire.ChunkMin * 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EventChunkSize() != wire.ChunkMin*2 {
		t.Fatalf("chunk size not applied: got %d", cfg.EventChunkSize())
	}
}

func TestConfigSetDefChunkSizeBroadcasts(t *testing.T) {
	cfg := NewConfig("/tmp/doesnotmatter", "trace")
	if err := cfg.SetDefChunkSize(context.Background(), wire.ChunkMin*4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefChunkSize() != wire.ChunkMin*4 {
		t.Fatalf("def chunk size not applied: got %d", cfg.DefChunkSize())
	}
}

func TestLocationClockOffsetInterpolation(t *testing.T) {
	ls := newLocationState(7)
	ls.AddClockOffset(0, 100, 0)
	ls.AddClockOffset(1000, 300, 0)
	ls.Finalize()

	iv, ok := ls.IntervalFor(500)
	if !ok {
		t.Fatal("expected an interval covering t=500")
	}
	got := iv.Global(500)
	if got != 200 {
		t.Fatalf("expected interpolated global time 200, got %d", got)
	}
}

func TestLocationMappingTableDuplicateRejected(t *testing.T) {
	ls := newLocationState(1)
	if err := ls.SetMappingTable(MappingKind(0), []int{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ls.SetMappingTable(MappingKind(0), []int{4}); err == nil {
		t.Fatal("expected duplicate mapping table error")
	}
}

func TestAnchorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := &Anchor{
		TraceFormatVersion: 2,
		Substrate:          SubstratePosix,
		Compression:        CompressionNone,
		EventChunkSize:     wire.ChunkMin,
		DefChunkSize:       wire.ChunkMin,
		NumLocations:       4,
		Properties:         map[string]string{"creator": "test"},
	}
	if err := WriteAnchor(dir, "trace", a); err != nil {
		t.Fatalf("WriteAnchor: %v", err)
	}
	got, err := ReadAnchor(dir, "trace")
	if err != nil {
		t.Fatalf("ReadAnchor: %v", err)
	}
	if got.NumLocations != 4 || got.EventChunkSize != wire.ChunkMin {
		t.Fatalf("anchor round-trip mismatch: %+v", got)
	}
}

func TestRankMapRoundTrip(t *testing.T) {
	rm := &RankMap{
		NFiles: 2,
		Ranks: []RankEntry{
			{Rank: 0, FileNumber: 0, RankInFile: 0, Locations: []uint64{1, 2}},
			{Rank: 1, FileNumber: 1, RankInFile: 0, Locations: []uint64{3}},
		},
	}
	data, err := EncodeRankMap(rm)
	if err != nil {
		t.Fatalf("EncodeRankMap: %v", err)
	}
	got, err := DecodeRankMap(data)
	if err != nil {
		t.Fatalf("DecodeRankMap: %v", err)
	}
	if got.NFiles != 2 || len(got.Ranks) != 2 {
		t.Fatalf("rank-map round-trip mismatch: %+v", got)
	}
	if len(got.Ranks[0].Locations) != 2 || got.Ranks[0].Locations[1] != 2 {
		t.Fatalf("rank 0 locations mismatch: %+v", got.Ranks[0])
	}
	if len(got.Ranks[1].Locations) != 1 || got.Ranks[1].Locations[0] != 3 {
		t.Fatalf("rank 1 locations mismatch: %+v", got.Ranks[1])
	}
}

func TestArchiveWriteThenReadPosix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := NewConfig(dir, "trace")

	a, err := Open(cfg, wire.Write)
	if err != nil {
		t.Fatalf("Open(Write): %v", err)
	}
	w, err := a.GetEvtWriter(ctx, 0)
	if err != nil {
		t.Fatalf("GetEvtWriter: %v", err)
	}
	if err := w.SetTimestamp(100); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	if err := w.BeginRecord(wire.FirstUserRecordType, 8); err != nil {
		t.Fatalf("BeginRecord: %v", err)
	}
	w.WriteFixedU64(42)
	if err := w.EndRecord(); err != nil {
		t.Fatalf("EndRecord: %v", err)
	}
	if _, err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a2, err := Open(cfg, wire.Read)
	if err != nil {
		t.Fatalf("Open(Read): %v", err)
	}
	defer a2.Close(ctx)

	r, err := a2.GetEvtReader(ctx, 0)
	if err != nil {
		t.Fatalf("GetEvtReader: %v", err)
	}
	ts, err := r.ReadTimestamp()
	if err != nil {
		t.Fatalf("ReadTimestamp: %v", err)
	}
	if ts != 100 {
		t.Fatalf("expected timestamp 100, got %d", ts)
	}
	typ, length, err := r.ReadRecordHeader()
	if err != nil {
		t.Fatalf("ReadRecordHeader: %v", err)
	}
	if typ != wire.FirstUserRecordType || length != 8 {
		t.Fatalf("unexpected record header: type=%d length=%d", typ, length)
	}
	v, err := r.ReadFixedU64()
	if err != nil {
		t.Fatalf("ReadFixedU64: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected payload 42, got %d", v)
	}
}

// TestArchiveModifyRewriteTimestampPosix guards against the
// coalescing-buffer corruption bug in RewriteTimestamp's seek/write/seek
// pattern: it round-trips through a real Posix substrate directory
// (not memSource) in Modify mode, the archive's sole supported mutation
// path, and confirms the rewritten timestamp is what a fresh Read-mode
// open actually sees on disk.
func TestArchiveModifyRewriteTimestampPosix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := NewConfig(dir, "trace")

	a, err := Open(cfg, wire.Write)
	if err != nil {
		t.Fatalf("Open(Write): %v", err)
	}
	w, err := a.GetEvtWriter(ctx, 0)
	if err != nil {
		t.Fatalf("GetEvtWriter: %v", err)
	}
	if err := w.SetTimestamp(100); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	if err := w.BeginRecord(wire.FirstUserRecordType, 8); err != nil {
		t.Fatalf("BeginRecord: %v", err)
	}
	w.WriteFixedU64(7)
	if err := w.EndRecord(); err != nil {
		t.Fatalf("EndRecord: %v", err)
	}
	if _, err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	am, err := Open(cfg, wire.Modify)
	if err != nil {
		t.Fatalf("Open(Modify): %v", err)
	}

	mb, err := am.getBuffer(ctx, substrate.EventFile, 0, wire.Write)
	if err != nil {
		t.Fatalf("getBuffer(Modify): %v", err)
	}
	if _, err := mb.ReadTimestamp(); err != nil {
		t.Fatalf("ReadTimestamp before rewrite: %v", err)
	}
	if err := mb.RewriteTimestamp(999); err != nil {
		t.Fatalf("RewriteTimestamp: %v", err)
	}
	if _, err := am.Close(ctx); err != nil {
		t.Fatalf("Close after Modify: %v", err)
	}

	a2, err := Open(cfg, wire.Read)
	if err != nil {
		t.Fatalf("Open(Read) after Modify: %v", err)
	}
	defer a2.Close(ctx)
	r, err := a2.GetEvtReader(ctx, 0)
	if err != nil {
		t.Fatalf("GetEvtReader: %v", err)
	}
	ts, err := r.ReadTimestamp()
	if err != nil {
		t.Fatalf("ReadTimestamp: %v", err)
	}
	if ts != 999 {
		t.Fatalf("expected rewritten timestamp 999 on disk, got %d", ts)
	}
}
