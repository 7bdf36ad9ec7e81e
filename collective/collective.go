// Package collective provides the multi-participant coordination
// primitives an archive needs for operations that must agree across
// every writer before taking effect — negotiating the default chunk
// size, for instance (§5). It is deliberately small: real MPI-style
// collectives are supplied by the caller; the package's own default is
// a single-participant passthrough.
package collective

import (
	"context"
	"fmt"
)

// Collectives is the vtable an Archive calls into for any operation
// that must be agreed across participants (grounded on
// otf2_collectives.c's callback surface). Every call that can actually
// block waiting on other participants takes a context.Context; Size
// and Rank are local, non-blocking queries and stay context-free.
type Collectives interface {
	Size() int
	Rank() int
	Barrier(ctx context.Context) error
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)
	GatherV(ctx context.Context, root int, data []byte) ([][]byte, error)
	Scatter(ctx context.Context, root int, data [][]byte) ([]byte, error)
	ScatterV(ctx context.Context, root int, data [][]byte) ([]byte, error)
	CreateLocalComm(ctx context.Context, members []int) (Collectives, error)
	FreeLocalComm(ctx context.Context) error
}

// Serial is the default Collectives: exactly one participant, so every
// operation is a no-op identity transform (grounded on
// otf2_collectives_serial.h).
type Serial struct{}

func (Serial) Size() int { return 1 }
func (Serial) Rank() int { return 0 }

func (Serial) Barrier(ctx context.Context) error { return ctx.Err() }

func (Serial) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root != 0 {
		return nil, fmt.Errorf("collective: serial root must be 0, got %d", root)
	}
	return data, nil
}

func (Serial) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (Serial) GatherV(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (Serial) Scatter(ctx context.Context, root int, data [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) != 1 {
		return nil, fmt.Errorf("collective: serial scatter expects exactly 1 participant, got %d", len(data))
	}
	return data[0], nil
}

func (Serial) ScatterV(ctx context.Context, root int, data [][]byte) ([]byte, error) {
	return Serial{}.Scatter(ctx, root, data)
}

func (Serial) CreateLocalComm(ctx context.Context, members []int) (Collectives, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(members) != 1 || members[0] != 0 {
		return nil, fmt.Errorf("collective: serial local comm must contain only rank 0")
	}
	return Serial{}, nil
}

func (Serial) FreeLocalComm(ctx context.Context) error { return ctx.Err() }
