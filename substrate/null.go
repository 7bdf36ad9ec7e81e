package substrate

import (
	"context"
	"io"
)

// Null discards everything written and returns EOF on every read; it
// exists for dry-run measurement (estimating trace volume without
// committing it to disk) and for tests that only care about the wire
// encoding, not actual storage.
type Null struct{}

func (Null) Open(ctx context.Context, ft FileType, loc uint64, mode Mode) (Handle, error) {
	return nullHandle{}, ctx.Err()
}

func (Null) Remove(ctx context.Context, ft FileType, loc uint64) error { return ctx.Err() }
func (Null) Finalize(ctx context.Context) error                       { return ctx.Err() }

type nullHandle struct{}

func (nullHandle) Read(p []byte) (int, error)         { return 0, io.EOF }
func (nullHandle) Write(p []byte) (int, error)        { return len(p), nil }
func (nullHandle) Seek(int64, int) (int64, error)     { return 0, nil }
func (nullHandle) Size() (int64, error)               { return 0, nil }
func (nullHandle) Close() error                        { return nil }
