// Package archive ties wire, archfile, substrate, and collective
// together into the archive-level API (§4.4, §4.5, §6.3, §6.4): a
// directory of per-location streams plus an anchor file and, for the
// multiplex substrate, a rank-map file.
package archive

import (
	"context"
	"fmt"

	"github.com/hpctrace/tracearch/collective"
	"github.com/hpctrace/tracearch/wire"
)

// SubstrateKind selects which substrate.Substrate implementation an
// Archive uses.
type SubstrateKind int

const (
	SubstratePosix SubstrateKind = iota
	SubstrateMultiplex
	SubstrateNone
)

// Compression selects the File-layer compression scheme.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZlib
)

// Config holds every setting an Archive needs at Open, validated by
// its setters rather than at construction (grounded on
// ion/blockfmt.CompressionWriter's field-configured style).
type Config struct {
	Path string
	Name string

	TraceFormatVersion int

	eventChunkSize int
	defChunkSize   int

	Substrate   SubstrateKind
	Compression Compression

	Collectives collective.Collectives
	Locking     collective.Locking

	Callbacks wire.Callbacks

	Properties map[string]string
	TraceID    uint64
}

// NewConfig returns a Config with the documented defaults (§6.5):
// 4 MiB (16 × CHUNK_MIN) event/def chunks, trace-format version 2, Posix
// substrate, no compression, a Serial collective, and in-process
// locking.
func NewConfig(path, name string) *Config {
	return &Config{
		Path:               path,
		Name:               name,
		TraceFormatVersion: wire.MaxTraceFormatVersion,
		eventChunkSize:     wire.ChunkMin * 16, // 4 MiB default per §3
		defChunkSize:       wire.ChunkMin * 16,
		Substrate:          SubstratePosix,
		Compression:        CompressionNone,
		Collectives:        collective.Serial{},
		Locking:            collective.NewLocalLocking(),
		Properties:         map[string]string{},
	}
}

func (c *Config) EventChunkSize() int { return c.eventChunkSize }
func (c *Config) DefChunkSize() int   { return c.defChunkSize }

// SetEventChunkSize validates the size against [CHUNK_MIN, CHUNK_MAX]
// and that it is a power of two (§6.5, ArgumentInvalid on failure).
func (c *Config) SetEventChunkSize(n int) error {
	if !wire.ValidChunkSize(n) {
		return newErr(wire.KindArgumentInvalid, "SetEventChunkSize", fmt.Sprintf("%d out of [%d, %d] or not a power of two", n, wire.ChunkMin, wire.ChunkMax))
	}
	c.eventChunkSize = n
	return nil
}

// SetDefChunkSize is itself a collective (§4.4): broadcast the value
// from the global root before validating and storing it, so every
// participant agrees on what the anchor file will declare.
func (c *Config) SetDefChunkSize(ctx context.Context, n int) error {
	root := 0
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	got, err := c.Collectives.Bcast(ctx, root, buf[:])
	if err != nil {
		return wrapErr(wire.KindCollectiveCallback, "SetDefChunkSize", "broadcast", err)
	}
	var agreed int
	for i := 0; i < 8; i++ {
		agreed |= int(got[i]) << (8 * i)
	}
	if !wire.ValidChunkSize(agreed) {
		return newErr(wire.KindArgumentInvalid, "SetDefChunkSize", fmt.Sprintf("%d out of [%d, %d] or not a power of two", agreed, wire.ChunkMin, wire.ChunkMax))
	}
	c.defChunkSize = agreed
	return nil
}

func (c *Config) SetTraceFormatVersion(v int) error {
	if v < 1 || v > wire.MaxTraceFormatVersion {
		return newErr(wire.KindUnsupportedVersion, "SetTraceFormatVersion", fmt.Sprintf("%d unsupported (max %d)", v, wire.MaxTraceFormatVersion))
	}
	c.TraceFormatVersion = v
	return nil
}
