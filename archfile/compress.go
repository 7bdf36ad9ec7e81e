package archfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// blockHeaderSize is the fixed size of the self-synchronizing block
// header written ahead of every compressed block (§4.2): a 4-byte
// signature so a reader landing mid-file can confirm it is looking at
// a block boundary, the compressed and uncompressed sizes needed to
// read and inflate the block, and the previous block's compressed
// size so a reader can walk backward one block at a time.
const blockHeaderSize = 20

var blockSignature = [4]byte{'T', 'R', 'C', 'Z'}

// writeCompressedBlock zlib-compresses plain and writes
// header+compressed-bytes to w, returning the number of bytes written
// (header included).
func writeCompressedBlock(w io.Writer, plain []byte, prevCompressedSize uint32) (int, error) {
	var cbuf bytes.Buffer
	zw := zlib.NewWriter(&cbuf)
	if _, err := zw.Write(plain); err != nil {
		return 0, fmt.Errorf("archfile: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("archfile: compress: %w", err)
	}

	var hdr [blockHeaderSize]byte
	copy(hdr[0:4], blockSignature[:])
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(cbuf.Len()))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(plain)))
	binary.LittleEndian.PutUint32(hdr[12:16], prevCompressedSize)
	// hdr[16:20] reserved, left zero

	if _, err := w.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("archfile: write block header: %w", err)
	}
	if _, err := w.Write(cbuf.Bytes()); err != nil {
		return 0, fmt.Errorf("archfile: write block: %w", err)
	}
	return blockHeaderSize + cbuf.Len(), nil
}

type blockHeader struct {
	compressedSize   uint32
	uncompressedSize uint32
	prevCompressedSize uint32
}

// readBlockHeader reads and validates one block header from r.
func readBlockHeader(r io.Reader) (blockHeader, error) {
	var hdr [blockHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return blockHeader{}, err
	}
	if !bytes.Equal(hdr[0:4], blockSignature[:]) {
		return blockHeader{}, fmt.Errorf("archfile: bad block signature")
	}
	return blockHeader{
		compressedSize:      binary.LittleEndian.Uint32(hdr[4:8]),
		uncompressedSize:     binary.LittleEndian.Uint32(hdr[8:12]),
		prevCompressedSize:  binary.LittleEndian.Uint32(hdr[12:16]),
	}, nil
}

// readCompressedBlock reads one full block (header + payload) from r
// and returns its inflated contents.
func readCompressedBlock(r io.Reader) ([]byte, error) {
	hdr, err := readBlockHeader(r)
	if err != nil {
		return nil, err
	}
	cbuf := make([]byte, hdr.compressedSize)
	if _, err := io.ReadFull(r, cbuf); err != nil {
		return nil, fmt.Errorf("archfile: read block: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(cbuf))
	if err != nil {
		return nil, fmt.Errorf("archfile: decompress: %w", err)
	}
	defer zr.Close()
	plain := make([]byte, hdr.uncompressedSize)
	if _, err := io.ReadFull(zr, plain); err != nil {
		return nil, fmt.Errorf("archfile: inflate: %w", err)
	}
	return plain, nil
}
