package collective

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Locking is the vtable for the named-lock operations an archive needs
// around shared structures like the rank-map container (grounded on
// otf2_lock.c/otf2_lock.h). Create returns an opaque token identifying
// the lock; callers pass that token, not the name, to Lock/Unlock/
// Destroy, mirroring the handle-based C API. Lock in particular can
// block waiting on another participant, so every method takes a
// context.Context.
type Locking interface {
	Create(ctx context.Context, name string) (string, error)
	Destroy(ctx context.Context, token string) error
	Lock(ctx context.Context, token string) error
	Unlock(ctx context.Context, token string) error
}

// LocalLocking is an in-process Locking backed by a named set of
// sync.Mutex values, for single-process (Serial) archives.
type LocalLocking struct {
	mu    sync.Mutex
	names map[string]string // token -> name
	locks map[string]*sync.Mutex
}

func NewLocalLocking() *LocalLocking {
	return &LocalLocking{
		names: map[string]string{},
		locks: map[string]*sync.Mutex{},
	}
}

func (l *LocalLocking) Create(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	token := uuid.NewString()
	l.names[token] = name
	l.locks[token] = &sync.Mutex{}
	return token, nil
}

func (l *LocalLocking) Destroy(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[token]; !ok {
		return fmt.Errorf("collective: unknown lock token %s", token)
	}
	delete(l.locks, token)
	delete(l.names, token)
	return nil
}

func (l *LocalLocking) Lock(ctx context.Context, token string) error {
	l.mu.Lock()
	m, ok := l.locks[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("collective: unknown lock token %s", token)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	return nil
}

func (l *LocalLocking) Unlock(ctx context.Context, token string) error {
	l.mu.Lock()
	m, ok := l.locks[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("collective: unknown lock token %s", token)
	}
	m.Unlock()
	return nil
}

// FileLocking is a cross-process Locking backed by unix.Flock on a
// small lock file per name, for multi-process archives sharing a
// Posix or Multiplex substrate directory.
type FileLocking struct {
	Dir string

	mu    sync.Mutex
	files map[string]*os.File // token -> open lock file
	names map[string]string
}

func NewFileLocking(dir string) *FileLocking {
	return &FileLocking{Dir: dir, files: map[string]*os.File{}, names: map[string]string{}}
}

func (l *FileLocking) Create(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := l.Dir + "/." + name + ".lock"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("collective: create lock file %s: %w", path, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	token := uuid.NewString()
	l.files[token] = f
	l.names[token] = name
	return token, nil
}

func (l *FileLocking) Destroy(ctx context.Context, token string) error {
	l.mu.Lock()
	f, ok := l.files[token]
	delete(l.files, token)
	delete(l.names, token)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("collective: unknown lock token %s", token)
	}
	return f.Close()
}

func (l *FileLocking) Lock(ctx context.Context, token string) error {
	l.mu.Lock()
	f, ok := l.files[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("collective: unknown lock token %s", token)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func (l *FileLocking) Unlock(ctx context.Context, token string) error {
	l.mu.Lock()
	f, ok := l.files[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("collective: unknown lock token %s", token)
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
