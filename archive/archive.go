package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpctrace/tracearch/archfile"
	"github.com/hpctrace/tracearch/substrate"
	"github.com/hpctrace/tracearch/wire"
)

// streamKey identifies one logical per-location stream.
type streamKey struct {
	ft  substrate.FileType
	loc uint64
}

// Archive orchestrates construction, exposes the per-stream writer/
// reader factories, and mediates between the wire/archfile/substrate
// stack and the caller-supplied collective/locking vtables (§4.4).
// Grounded on otf2_archive.c's open/close orchestration.
type Archive struct {
	Config *Config
	sub    substrate.Substrate

	mu       sync.Mutex
	mode     wire.Mode
	buffers  map[streamKey]*wire.Buffer
	files    map[streamKey]*archfile.File
	globalDef *wire.Buffer
	marker    *wire.Buffer

	locations map[uint64]*LocationState

	numLocations  uint32
	numGlobalDefs uint32
	closed        bool
}

// CloseReport is a best-effort summary produced by Close: partial
// failures are collected rather than aborting the whole teardown
// (SUPPLEMENTED FEATURES #2, grounded on OTF2_Archive's
// "ProcessedWithFaults" close semantics).
type CloseReport struct {
	ProcessedWithFaults bool
	Errors              []error
}

// Open constructs an Archive in the given mode on cfg.Substrate, creating
// the backing substrate.Substrate implementation.
func Open(cfg *Config, mode wire.Mode) (*Archive, error) {
	var sub substrate.Substrate
	switch cfg.Substrate {
	case SubstratePosix:
		sub = substrate.NewPosix(cfg.Path, cfg.Name)
	case SubstrateMultiplex:
		sub = substrate.NewMultiplex(cfg.Path, cfg.Name, 0, 0)
	case SubstrateNone:
		sub = substrate.Null{}
	default:
		return nil, newErr(wire.KindArgumentInvalid, "Open", fmt.Sprintf("unknown substrate kind %d", cfg.Substrate))
	}

	a := &Archive{
		Config:    cfg,
		sub:       sub,
		mode:      mode,
		buffers:   map[streamKey]*wire.Buffer{},
		files:     map[streamKey]*archfile.File{},
		locations: map[uint64]*LocationState{},
	}

	if mode == wire.Read {
		anchor, err := ReadAnchor(cfg.Path, cfg.Name)
		if err != nil {
			return nil, err
		}
		cfg.SetEventChunkSize(anchor.EventChunkSize)
		a.mu.Lock()
		cfg.defChunkSize = anchor.DefChunkSize
		a.numLocations = anchor.NumLocations
		a.numGlobalDefs = anchor.NumGlobalDefs
		a.mu.Unlock()
	}
	return a, nil
}

func (a *Archive) compressionEnabled(ft substrate.FileType) bool {
	if a.Config.Compression != CompressionZlib {
		return false
	}
	switch ft {
	case substrate.AnchorFile, substrate.ThumbFile:
		return false
	default:
		return true
	}
}

func (a *Archive) chunkModeFor(ft substrate.FileType) wire.ChunkMode {
	switch ft {
	case substrate.ThumbFile, substrate.AnchorFile:
		return wire.NotChunked
	default:
		return wire.Chunked
	}
}

func (a *Archive) streamKindFor(ft substrate.FileType) wire.StreamKind {
	switch ft {
	case substrate.EventFile:
		return wire.EventStream
	case substrate.DefFile:
		return wire.DefStream
	case substrate.GlobalDefFile:
		return wire.GlobalDefStream
	case substrate.SnapFile:
		return wire.SnapStream
	case substrate.ThumbFile:
		return wire.ThumbStream
	default:
		return wire.MarkerStream
	}
}

func (a *Archive) chunkSizeFor(ft substrate.FileType) int {
	if ft == substrate.EventFile || ft == substrate.SnapFile {
		return a.Config.EventChunkSize()
	}
	return a.Config.DefChunkSize()
}

// getBuffer returns (creating if necessary) the cached Buffer for a
// given stream, opening its backing substrate handle and archfile.File
// wrapper on first use.
func (a *Archive) getBuffer(ctx context.Context, ft substrate.FileType, loc uint64, requireMode wire.Mode) (*wire.Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode != requireMode && !(requireMode == wire.Write && a.mode == wire.Modify) {
		return nil, newErr(wire.KindStateInvalid, "getBuffer", fmt.Sprintf("stream requires %v mode, archive is in %v", requireMode, a.mode))
	}

	key := streamKey{ft: ft, loc: loc}
	if b, ok := a.buffers[key]; ok {
		return b, nil
	}

	subMode := substrate.Write
	if a.mode == wire.Read {
		subMode = substrate.Read
	} else if a.mode == wire.Modify {
		subMode = substrate.Modify
	}
	h, err := a.sub.Open(ctx, ft, loc, subMode)
	if err != nil {
		return nil, wrapErr(wire.KindIo, "getBuffer", "open stream", err)
	}
	f := archfile.New(h, a.compressionEnabled(ft))
	a.files[key] = f

	b, err := wire.New(a.mode, a.chunkModeFor(ft), a.streamKindFor(ft), a.chunkSizeFor(ft), f, a.Config.Callbacks)
	if err != nil {
		return nil, err
	}
	if a.mode == wire.Read || a.mode == wire.Modify {
		if err := b.AttachSource(f); err != nil {
			return nil, err
		}
	}
	a.buffers[key] = b

	if ft == substrate.EventFile || ft == substrate.DefFile || ft == substrate.SnapFile {
		if _, ok := a.locations[loc]; !ok {
			a.locations[loc] = newLocationState(loc)
			a.numLocations++
		}
	}
	return b, nil
}

// GetEvtWriter returns the cached event writer for location, creating
// it on first use. Requires Write or Modify mode (§4.4).
func (a *Archive) GetEvtWriter(ctx context.Context, location uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.EventFile, location, wire.Write)
}

// GetDefWriter is the analogous factory for the local-definitions
// stream.
func (a *Archive) GetDefWriter(ctx context.Context, location uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.DefFile, location, wire.Write)
}

// GetGlobalDefWriter is only valid on the master participant (rank 0
// of the global communicator).
func (a *Archive) GetGlobalDefWriter(ctx context.Context) (*wire.Buffer, error) {
	if a.Config.Collectives.Rank() != 0 {
		return nil, newErr(wire.KindStateInvalid, "GetGlobalDefWriter", "only available on rank 0")
	}
	return a.getBuffer(ctx, substrate.GlobalDefFile, 0, wire.Write)
}

func (a *Archive) GetSnapWriter(ctx context.Context, location uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.SnapFile, location, wire.Write)
}

func (a *Archive) GetThumbWriter(ctx context.Context, id uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.ThumbFile, id, wire.Write)
}

func (a *Archive) GetMarkerWriter(ctx context.Context) (*wire.Buffer, error) {
	if a.Config.Collectives.Rank() != 0 {
		return nil, newErr(wire.KindStateInvalid, "GetMarkerWriter", "only available on rank 0")
	}
	return a.getBuffer(ctx, substrate.MarkerFile, 0, wire.Write)
}

// GetEvtReader, GetDefReader, and friends mirror the writer factories,
// requiring Read mode.
func (a *Archive) GetEvtReader(ctx context.Context, location uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.EventFile, location, wire.Read)
}

func (a *Archive) GetDefReader(ctx context.Context, location uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.DefFile, location, wire.Read)
}

func (a *Archive) GetGlobalDefReader(ctx context.Context) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.GlobalDefFile, 0, wire.Read)
}

func (a *Archive) GetSnapReader(ctx context.Context, location uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.SnapFile, location, wire.Read)
}

func (a *Archive) GetThumbReader(ctx context.Context, id uint64) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.ThumbFile, id, wire.Read)
}

func (a *Archive) GetMarkerReader(ctx context.Context) (*wire.Buffer, error) {
	return a.getBuffer(ctx, substrate.MarkerFile, 0, wire.Read)
}

// LocationState returns the per-location metadata table, creating an
// entry if none exists yet.
func (a *Archive) LocationState(loc uint64) *LocationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.locations[loc]
	if !ok {
		ls = newLocationState(loc)
		a.locations[loc] = ls
	}
	return ls
}

// SwitchFileMode permits exactly one transition — Read to Write, and
// only on the Posix substrate — for offline post-processing passes
// that rewrite parts of an existing archive (§4.4).
func (a *Archive) SwitchFileMode(to wire.Mode) error {
	if a.mode != wire.Read || to != wire.Write {
		return newErr(wire.KindFileModeTransitionInvalid, "SwitchFileMode", fmt.Sprintf("illegal transition %v->%v", a.mode, to))
	}
	if _, ok := a.sub.(*substrate.Posix); !ok {
		return newErr(wire.KindFileSubstrateNotSupported, "SwitchFileMode", "only supported on the Posix substrate")
	}
	a.mode = to
	return nil
}

// Close walks every cached writer, finalizing each buffer before
// releasing it, and closes the file handle of every cached writer and
// reader; when writing, on the master participant it also persists the
// anchor file (and, for the multiplex substrate, the rank-map) with the
// final counts of locations and global definitions. Failures are
// collected rather than aborting the teardown (§7 "best-effort" close
// paths).
func (a *Archive) Close(ctx context.Context) (*CloseReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return &CloseReport{}, nil
	}
	a.closed = true

	report := &CloseReport{}
	writing := a.mode == wire.Write || a.mode == wire.Modify
	if writing {
		for _, ls := range a.locations {
			ls.Finalize()
		}
		for _, b := range a.buffers {
			if err := b.Close(); err != nil {
				report.Errors = append(report.Errors, err)
			}
		}
	}
	for _, f := range a.files {
		if err := f.Close(); err != nil {
			report.Errors = append(report.Errors, err)
		}
	}
	if writing {
		if err := a.sub.Finalize(ctx); err != nil {
			report.Errors = append(report.Errors, err)
		}
		if a.Config.Collectives.Rank() == 0 {
			if err := a.writeAnchor(ctx); err != nil {
				report.Errors = append(report.Errors, err)
			}
		}
	}
	report.ProcessedWithFaults = len(report.Errors) > 0
	if report.ProcessedWithFaults {
		return report, newErr(wire.KindIo, "Close", fmt.Sprintf("completed with %d error(s)", len(report.Errors)))
	}
	return report, nil
}

func (a *Archive) writeAnchor(ctx context.Context) error {
	anchor := &Anchor{
		TraceFormatVersion: a.Config.TraceFormatVersion,
		Substrate:          a.Config.Substrate,
		Compression:        a.Config.Compression,
		EventChunkSize:     a.Config.EventChunkSize(),
		DefChunkSize:       a.Config.DefChunkSize(),
		NumLocations:       a.numLocations,
		NumGlobalDefs:      a.numGlobalDefs,
		TraceID:            a.Config.TraceID,
		Properties:         a.Config.Properties,
	}
	if m, ok := a.sub.(*substrate.Multiplex); ok {
		numFiles, err := m.NumFiles(ctx)
		if err != nil {
			return wrapErr(wire.KindCollectiveCallback, "writeAnchor", "negotiate rank-map file count", err)
		}
		rank := a.Config.Collectives.Rank()
		entry := RankEntry{Rank: uint32(rank), RankInFile: 0}
		for loc := range a.locations {
			idx, err := m.ContainerFor(ctx, substrate.EventFile, loc)
			if err != nil {
				return wrapErr(wire.KindIo, "writeAnchor", "rank-map container assignment", err)
			}
			entry.FileNumber = uint32(idx)
			entry.Locations = append(entry.Locations, loc)
		}
		rm := &RankMap{NFiles: uint32(numFiles), Ranks: []RankEntry{entry}}
		data, err := EncodeRankMap(rm)
		if err != nil {
			return wrapErr(wire.KindIntegrity, "writeAnchor", "encode rank-map", err)
		}
		anchor.RankMapChecksum = ChecksumRankMap(data)
		if h, err := m.Open(ctx, substrate.RankMapFile, 0, substrate.Write); err == nil {
			h.Write(data)
			h.Close()
		}
	}
	return WriteAnchor(a.Config.Path, a.Config.Name, anchor)
}
