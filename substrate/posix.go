package substrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hpctrace/tracearch/wire"
	"golang.org/x/sys/unix"
)

// Posix is the default Substrate: one OS file per stream, laid out in
// a directory tree rooted at Dir, named after Name. The layout mirrors
// the reference implementation's convention of a per-location
// subdirectory per file type plus a handful of archive-global files
// (grounded on otf2_file_substrate_posix.c's path-building).
type Posix struct {
	Dir  string
	Name string

	// Lock, if non-nil, is consulted to take an advisory lock around
	// Write/Modify opens. Defaults to flockLock, a non-blocking
	// unix.Flock lock (exclusive for Write, shared for Modify), matching
	// the teacher's broad use of
	// golang.org/x/sys/unix for this kind of OS-level primitive.
	Lock func(f *os.File, mode Mode) error
}

func NewPosix(dir, name string) *Posix {
	return &Posix{Dir: dir, Name: name, Lock: flockLock}
}

func (p *Posix) path(ft FileType, loc uint64) (string, error) {
	switch ft {
	case AnchorFile:
		return filepath.Join(p.Dir, p.Name+".anchor"), nil
	case RankMapFile:
		return filepath.Join(p.Dir, p.Name+".rankmap"), nil
	case GlobalDefFile:
		return filepath.Join(p.Dir, p.Name+".global.def"), nil
	case EventFile:
		return p.locationPath("evt", loc), nil
	case DefFile:
		return p.locationPath("def", loc), nil
	case SnapFile:
		return p.locationPath("snap", loc), nil
	case ThumbFile:
		return p.locationPath("thumb", loc), nil
	case MarkerFile:
		return filepath.Join(p.Dir, p.Name+".marker"), nil
	default:
		return "", newErr(wire.KindArgumentInvalid, "path", fmt.Sprintf("unknown file type %d", ft))
	}
}

func (p *Posix) locationPath(kind string, loc uint64) string {
	sub := filepath.Join(p.Dir, p.Name+"."+kind)
	return filepath.Join(sub, strconv.FormatUint(loc, 10)+"."+kind)
}

func (p *Posix) Open(ctx context.Context, ft FileType, loc uint64, mode Mode) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := p.path(ft, loc)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr(wire.KindIo, "Open", fmt.Sprintf("mkdir %s", filepath.Dir(path)), err)
	}
	var flags int
	switch mode {
	case Write:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case Modify:
		flags = os.O_RDWR
	case Read:
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, wrapErr(wire.KindIo, "Open", fmt.Sprintf("open %s", path), err)
	}
	if mode != Read && p.Lock != nil {
		if err := p.Lock(f, mode); err != nil {
			f.Close()
			return nil, wrapErr(wire.KindLockingCallback, "Open", fmt.Sprintf("lock %s", path), err)
		}
	}
	return &posixHandle{f: f}, nil
}

func (p *Posix) Remove(ctx context.Context, ft FileType, loc uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := p.path(ft, loc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Finalize is a no-op for Posix: every stream is already its own file.
func (p *Posix) Finalize(ctx context.Context) error { return ctx.Err() }

type posixHandle struct {
	f *os.File
}

func (h *posixHandle) Read(p []byte) (int, error)          { return h.f.Read(p) }
func (h *posixHandle) Write(p []byte) (int, error)         { return h.f.Write(p) }
func (h *posixHandle) Seek(o int64, w int) (int64, error)  { return h.f.Seek(o, w) }
func (h *posixHandle) Close() error                        { return h.f.Close() }

func (h *posixHandle) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// flockLock takes an exclusive advisory lock for Write, a shared one
// for Modify.
func flockLock(f *os.File, mode Mode) error {
	how := unix.LOCK_EX
	if mode == Modify {
		how = unix.LOCK_SH
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}
