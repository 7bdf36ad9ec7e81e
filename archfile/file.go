// Package archfile implements the File layer (§4.2): a write-coalescing,
// optionally self-synchronizing-compressed wrapper around a
// substrate.Handle. It implements wire.Sink and wire.Source so a
// wire.Buffer never has to know whether its stream is compressed or
// how its writes are batched.
package archfile

import (
	"fmt"
	"io"

	"github.com/hpctrace/tracearch/substrate"
)

// CoalesceSize is the write-buffering threshold (§4.2): writes
// accumulate here and are flushed to the substrate in one shot once
// the buffer would overflow, rather than on every wire.Buffer write.
const CoalesceSize = 4 * 1024 * 1024

// File wraps one substrate.Handle.
type File struct {
	h        substrate.Handle
	compress bool

	writeBuf           []byte
	prevCompressedSize uint32

	// compressed-read state
	readBlock     []byte
	readBlockPos  int
	logicalPos    int64
	blockBase     int64 // logical offset where readBlock begins
	sizeCache     int64
	sizeCached    bool
}

// New wraps h. When compress is true, writes are framed into
// independently-inflatable zlib blocks (compress.go); reads transparently
// inflate them.
func New(h substrate.Handle, compress bool) *File {
	return &File{h: h, compress: compress}
}

// Write implements wire.Sink. A write larger than CoalesceSize bypasses
// the coalescing buffer: pending bytes are flushed first, then p goes to
// the substrate as one write (one block when compressing).
func (f *File) Write(p []byte) (int, error) {
	if len(p) > CoalesceSize {
		if err := f.flushBuffer(); err != nil {
			return 0, err
		}
		if f.compress {
			n, err := writeCompressedBlock(f.h, p, f.prevCompressedSize)
			if err != nil {
				return 0, err
			}
			f.prevCompressedSize = uint32(n - blockHeaderSize)
		} else if _, err := f.h.Write(p); err != nil {
			return 0, fmt.Errorf("archfile: write: %w", err)
		}
		return len(p), nil
	}
	total := len(p)
	for len(p) > 0 {
		room := CoalesceSize - len(f.writeBuf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		f.writeBuf = append(f.writeBuf, p[:n]...)
		p = p[n:]
		if len(f.writeBuf) >= CoalesceSize {
			if err := f.flushBuffer(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (f *File) flushBuffer() error {
	if len(f.writeBuf) == 0 {
		return nil
	}
	if f.compress {
		n, err := writeCompressedBlock(f.h, f.writeBuf, f.prevCompressedSize)
		if err != nil {
			return err
		}
		f.prevCompressedSize = uint32(n - blockHeaderSize)
	} else {
		if _, err := f.h.Write(f.writeBuf); err != nil {
			return fmt.Errorf("archfile: write: %w", err)
		}
	}
	f.writeBuf = f.writeBuf[:0]
	return nil
}

// WriteAt performs an immediate positional write to the underlying
// substrate.Handle, bypassing the coalescing buffer entirely. It
// exists for wire.Buffer.RewriteTimestamp's seek/overwrite/restore
// pattern (§4.3.10): a small in-place rewrite of bytes already on
// disk, which the append-oriented coalescing in Write would otherwise
// buffer and flush at the wrong offset. Any pending coalesced bytes
// are flushed first so the write lands relative to the handle's true
// position, and the handle is repositioned back to where appending
// would resume.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.compress {
		return 0, fmt.Errorf("archfile: positional write not supported on compressed streams")
	}
	if err := f.flushBuffer(); err != nil {
		return 0, err
	}
	cur, err := f.h.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("archfile: seek: %w", err)
	}
	if _, err := f.h.Seek(off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("archfile: seek: %w", err)
	}
	n, err := f.h.Write(p)
	if err != nil {
		return n, fmt.Errorf("archfile: write: %w", err)
	}
	if _, err := f.h.Seek(cur, io.SeekStart); err != nil {
		return n, fmt.Errorf("archfile: seek: %w", err)
	}
	return n, nil
}

// Close flushes any pending coalesced data and closes the underlying
// handle.
func (f *File) Close() error {
	if err := f.flushBuffer(); err != nil {
		return err
	}
	return f.h.Close()
}

// Read implements wire.Source.
func (f *File) Read(p []byte) (int, error) {
	if !f.compress {
		n, err := f.h.Read(p)
		f.logicalPos += int64(n)
		return n, err
	}
	if f.readBlockPos >= len(f.readBlock) {
		if err := f.nextBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.readBlock[f.readBlockPos:])
	f.readBlockPos += n
	f.logicalPos += int64(n)
	return n, nil
}

func (f *File) nextBlock() error {
	block, err := readCompressedBlock(f.h)
	if err != nil {
		return err
	}
	f.blockBase = f.logicalPos
	f.readBlock = block
	f.readBlockPos = 0
	return nil
}

// Seek implements wire.Source. For compressed streams only a target
// inside the currently inflated block is reached without I/O; any other
// target, forward or backward, requires scanning block headers from the
// beginning (§4.2: compression trades away true random access).
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if !f.compress {
		pos, err := f.h.Seek(offset, whence)
		f.logicalPos = pos
		return pos, err
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.logicalPos + offset
	case io.SeekEnd:
		sz, err := f.Size()
		if err != nil {
			return 0, err
		}
		target = sz + offset
	default:
		return 0, fmt.Errorf("archfile: bad whence %d", whence)
	}
	return target, f.scanToLogical(target)
}

// scanToLogical repositions the compressed read cursor to target by
// walking block headers (and only inflating the one block that
// actually contains target).
func (f *File) scanToLogical(target int64) error {
	if target >= f.blockBase && f.readBlock != nil && target < f.blockBase+int64(len(f.readBlock)) {
		f.readBlockPos = int(target - f.blockBase)
		f.logicalPos = target
		return nil
	}
	if _, err := f.h.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("archfile: seek: %w", err)
	}
	var base int64
	for {
		hdr, err := readBlockHeader(f.h)
		if err == io.EOF {
			return fmt.Errorf("archfile: seek target %d past end of stream", target)
		}
		if err != nil {
			return err
		}
		blockEnd := base + int64(hdr.uncompressedSize)
		if target < blockEnd {
			if _, err := f.h.Seek(-blockHeaderSize, io.SeekCurrent); err != nil {
				return err
			}
			block, err := readCompressedBlock(f.h)
			if err != nil {
				return err
			}
			f.readBlock = block
			f.blockBase = base
			f.readBlockPos = int(target - base)
			f.logicalPos = target
			return nil
		}
		if _, err := f.h.Seek(int64(hdr.compressedSize), io.SeekCurrent); err != nil {
			return err
		}
		base = blockEnd
	}
}

// Size implements wire.Source. For a compressed stream this requires a
// one-time scan of every block header; the result is cached since a
// File opened for reading is never concurrently appended to.
func (f *File) Size() (int64, error) {
	if !f.compress {
		return f.h.Size()
	}
	if f.sizeCached {
		return f.sizeCache, nil
	}
	cur, err := f.h.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := f.h.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var total int64
	for {
		hdr, err := readBlockHeader(f.h)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		total += int64(hdr.uncompressedSize)
		if _, err := f.h.Seek(int64(hdr.compressedSize), io.SeekCurrent); err != nil {
			return 0, err
		}
	}
	if _, err := f.h.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	f.sizeCache = total
	f.sizeCached = true
	return total, nil
}
