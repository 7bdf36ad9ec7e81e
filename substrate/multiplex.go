package substrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dchest/siphash"
	"github.com/hpctrace/tracearch/wire"
)

// Multiplex is a SIONlib-style substrate: many locations share a small
// number of container files instead of getting one file each, trading
// per-location random access for far fewer open file descriptors at
// large process counts (grounded on otf2_file_substrate_sion.c and
// otf2_file_substrate_sion_collectives.c).
//
// Each location's container is chosen deterministically by hashing its
// ID with siphash, so every rank computes the same assignment without
// exchanging it — NegotiateFileCount is the one piece that does need
// agreement (how many containers to create at all), and is resolved
// lazily, once, the first time any file type is opened.
type Multiplex struct {
	Dir  string
	Name string

	// NegotiateFileCount returns the number of container files to use.
	// Typically a collective min/gather over every rank's preference;
	// defaults to a fixed single container if nil.
	NegotiateFileCount func(ctx context.Context) (int, error)

	hashK0, hashK1 uint64

	once      sync.Once
	onceErr   error
	numFiles  int

	mu    sync.Mutex
	files map[int]*os.File
	tails map[int]int64 // next free offset per container
}

func NewMultiplex(dir, name string, hashK0, hashK1 uint64) *Multiplex {
	return &Multiplex{
		Dir: dir, Name: name,
		hashK0: hashK0, hashK1: hashK1,
		files: map[int]*os.File{},
		tails: map[int]int64{},
	}
}

func (m *Multiplex) negotiate(ctx context.Context) error {
	m.once.Do(func() {
		if m.NegotiateFileCount != nil {
			n, err := m.NegotiateFileCount(ctx)
			if err != nil {
				m.onceErr = err
				return
			}
			m.numFiles = n
			return
		}
		m.numFiles = 1
	})
	return m.onceErr
}

// containerFor hashes (file type, location) to a container index with
// siphash under the key given to NewMultiplex. The rank-map records
// this substrate's assignment by calling ContainerFor, not by hashing
// on its own.
func (m *Multiplex) containerFor(ft FileType, loc uint64) int {
	buf := make([]byte, 9)
	buf[0] = byte(ft)
	for i := 0; i < 8; i++ {
		buf[1+i] = byte(loc >> (8 * i))
	}
	h := siphash.Hash(m.hashK0, m.hashK1, buf)
	return int(h % uint64(m.numFiles))
}

// NumFiles returns the negotiated container count, running negotiation
// if it hasn't happened yet.
func (m *Multiplex) NumFiles(ctx context.Context) (int, error) {
	if err := m.negotiate(ctx); err != nil {
		return 0, err
	}
	return m.numFiles, nil
}

// ContainerFor exposes containerFor so callers (the rank-map writer)
// can record the same assignment this substrate will actually use.
func (m *Multiplex) ContainerFor(ctx context.Context, ft FileType, loc uint64) (int, error) {
	if err := m.negotiate(ctx); err != nil {
		return 0, err
	}
	return m.containerFor(ft, loc), nil
}

func (m *Multiplex) containerFile(idx int) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[idx]; ok {
		return f, nil
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return nil, wrapErr(wire.KindIo, "containerFile", fmt.Sprintf("mkdir %s", m.Dir), err)
	}
	path := filepath.Join(m.Dir, fmt.Sprintf("%s.%d.sion", m.Name, idx))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(wire.KindIo, "containerFile", fmt.Sprintf("open %s", path), err)
	}
	m.files[idx] = f
	if fi, err := f.Stat(); err == nil {
		m.tails[idx] = fi.Size()
	}
	return f, nil
}

func (m *Multiplex) Open(ctx context.Context, ft FileType, loc uint64, mode Mode) (Handle, error) {
	if err := m.negotiate(ctx); err != nil {
		return nil, wrapErr(wire.KindCollectiveCallback, "Open", "file-count negotiation failed", err)
	}
	idx := m.containerFor(ft, loc)
	f, err := m.containerFile(idx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	base := m.tails[idx]
	if mode != Write {
		base = 0 // Read/Modify addresses the container from its start; callers re-derive offsets via the rank-map
	}
	m.mu.Unlock()
	return &multiplexHandle{m: m, idx: idx, f: f, base: base, pos: 0}, nil
}

func (m *Multiplex) Remove(ctx context.Context, ft FileType, loc uint64) error {
	// Locations share containers; individual removal isn't meaningful.
	return ctx.Err()
}

// Finalize records each container's final length so future opens of
// the same Multiplex know where free space begins.
func (m *Multiplex) Finalize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, f := range m.files {
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		m.tails[idx] = fi.Size()
	}
	return nil
}

type multiplexHandle struct {
	m    *Multiplex
	idx  int
	f    *os.File
	base int64
	pos  int64
}

func (h *multiplexHandle) Read(p []byte) (int, error) {
	n, err := h.f.ReadAt(p, h.base+h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *multiplexHandle) Write(p []byte) (int, error) {
	n, err := h.f.WriteAt(p, h.base+h.pos)
	h.pos += int64(n)
	h.m.mu.Lock()
	if h.base+h.pos > h.m.tails[h.idx] {
		h.m.tails[h.idx] = h.base + h.pos
	}
	h.m.mu.Unlock()
	return n, err
}

func (h *multiplexHandle) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		h.pos = offset
	case 1:
		h.pos += offset
	case 2:
		sz, err := h.Size()
		if err != nil {
			return 0, err
		}
		h.pos = sz + offset
	}
	return h.pos, nil
}

func (h *multiplexHandle) Size() (int64, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.tails[h.idx] - h.base, nil
}

func (h *multiplexHandle) Close() error { return nil }
