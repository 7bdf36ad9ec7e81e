package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dchest/siphash"
	"github.com/hpctrace/tracearch/wire"
	"golang.org/x/exp/slices"
)

// Rank-map record types, assigned starting at wire.FirstUserRecordType
// per §4.3.1's control-byte alphabet (IDs < 10 stay reserved for wire
// itself).
const (
	rankMapHeaderRecord wire.RecordType = wire.FirstUserRecordType
	rankMapEntryRecord  wire.RecordType = wire.FirstUserRecordType + 1
	rankMapLocationRecord wire.RecordType = wire.FirstUserRecordType + 2
)

// RankEntry is one rank's row in the rank-map file (§6.3).
type RankEntry struct {
	Rank       uint32
	FileNumber uint32
	RankInFile uint32
	Locations  []uint64
}

// RankMap is the parsed form of the multiplex substrate's auxiliary
// index (§6.3): which physical container file and which intra-file
// rank each location lives in.
type RankMap struct {
	NFiles uint32
	Ranks  []RankEntry
}

// AssignContainer deterministically hashes a location ID into
// [0, numFiles) using the same siphash family substrate.Multiplex uses
// for its own per-stream placement, keyed by (k0, k1) — the rank-map
// records the coarser per-rank assignment; substrate.Multiplex further
// spreads individual file types within a rank's container using the
// same key plus the file type (see substrate/multiplex.go).
func AssignContainer(k0, k1 uint64, numFiles int, loc uint64) int {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(loc >> (8 * i))
	}
	h := siphash.Hash(k0, k1, buf[:])
	return int(h % uint64(numFiles))
}

// EncodeRankMap serializes rm using the wire.Buffer layer, per §6.3's
// schema: a header record, then per-rank records each followed by
// that rank's location-ID records in ascending order, with
// wire.Buffer.Close supplying the terminating END_OF_FILE byte.
func EncodeRankMap(rm *RankMap) ([]byte, error) {
	var out bytes.Buffer
	b, err := wire.New(wire.Write, wire.Chunked, wire.DefStream, wire.ChunkMin, &out, wire.Callbacks{})
	if err != nil {
		return nil, err
	}
	if err := b.BeginRecord(rankMapHeaderRecord, 8); err != nil {
		return nil, err
	}
	b.WriteFixedU64(uint64(rm.NFiles))
	if err := b.EndRecord(); err != nil {
		return nil, err
	}

	for _, r := range rm.Ranks {
		if err := b.BeginRecord(rankMapEntryRecord, 16); err != nil {
			return nil, err
		}
		b.WriteFixedU16(uint16(r.Rank))
		b.WriteFixedU16(uint16(r.FileNumber))
		b.WriteFixedU16(uint16(r.RankInFile))
		b.WriteFixedU16(uint16(len(r.Locations)))
		if err := b.EndRecord(); err != nil {
			return nil, err
		}
		locs := append([]uint64(nil), r.Locations...)
		slices.Sort(locs)
		for _, loc := range locs {
			if err := b.BeginRecord(rankMapLocationRecord, 8); err != nil {
				return nil, err
			}
			b.WriteFixedU64(loc)
			if err := b.EndRecord(); err != nil {
				return nil, err
			}
		}
	}
	if err := b.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

type byteSource struct {
	r *bytes.Reader
}

func (s *byteSource) Read(p []byte) (int, error)         { return s.r.Read(p) }
func (s *byteSource) Seek(o int64, w int) (int64, error) { return s.r.Seek(o, w) }
func (s *byteSource) Size() (int64, error)               { return s.r.Size(), nil }

// DecodeRankMap parses a buffer produced by EncodeRankMap.
func DecodeRankMap(data []byte) (*RankMap, error) {
	b, err := wire.New(wire.Read, wire.Chunked, wire.DefStream, wire.ChunkMin, nil, wire.Callbacks{})
	if err != nil {
		return nil, err
	}
	if err := b.AttachSource(&byteSource{r: bytes.NewReader(data)}); err != nil {
		return nil, err
	}

	typ, _, err := b.ReadRecordHeader()
	if err != nil {
		return nil, wrapErr(wire.KindIntegrity, "DecodeRankMap", "rank-map header", err)
	}
	if typ != rankMapHeaderRecord {
		return nil, newErr(wire.KindIntegrity, "DecodeRankMap", fmt.Sprintf("expected header record, got type %d", typ))
	}
	nFiles, err := b.ReadFixedU64()
	if err != nil {
		return nil, err
	}

	rm := &RankMap{NFiles: uint32(nFiles)}
	for {
		if err := advancePastChunkEnd(b); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		typ, err := b.PeekRecordType()
		if err != nil {
			return nil, err
		}
		if typ == wire.EndOfFile {
			break
		}
		if typ != rankMapEntryRecord {
			return nil, newErr(wire.KindIntegrity, "DecodeRankMap", fmt.Sprintf("unexpected record type %d", typ))
		}
		if _, _, err := b.ReadRecordHeader(); err != nil {
			return nil, err
		}
		rank, err := b.ReadFixedU16()
		if err != nil {
			return nil, err
		}
		fileNum, err := b.ReadFixedU16()
		if err != nil {
			return nil, err
		}
		rankInFile, err := b.ReadFixedU16()
		if err != nil {
			return nil, err
		}
		nLoc, err := b.ReadFixedU16()
		if err != nil {
			return nil, err
		}
		entry := RankEntry{Rank: uint32(rank), FileNumber: uint32(fileNum), RankInFile: uint32(rankInFile)}
		for i := 0; i < int(nLoc); i++ {
			if err := advancePastChunkEnd(b); err != nil {
				return nil, err
			}
			if _, _, err := b.ReadRecordHeader(); err != nil {
				return nil, err
			}
			loc, err := b.ReadFixedU64()
			if err != nil {
				return nil, err
			}
			entry.Locations = append(entry.Locations, loc)
		}
		rm.Ranks = append(rm.Ranks, entry)
	}
	return rm, nil
}

// advancePastChunkEnd moves the reader to the next chunk whenever the
// current one is exhausted (§4.3.8), returning io.EOF once the reader
// has run past the final chunk.
func advancePastChunkEnd(b *wire.Buffer) error {
	if !b.AtChunkEnd() {
		return nil
	}
	typ, err := b.PeekRecordType()
	if err == nil && typ == wire.EndOfFile {
		return nil
	}
	if err := b.ReadGetNextChunk(); err != nil {
		return io.EOF
	}
	return nil
}

