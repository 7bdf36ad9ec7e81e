package substrate

import (
	"fmt"

	"github.com/hpctrace/tracearch/wire"
)

// Error is the typed error returned by substrate operations, mirroring
// wire.Error's shape but for the byte-level backend layer (§4.1, §7).
type Error struct {
	Kind wire.Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("substrate: %s: %s: %s", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("substrate: %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newErr(kind wire.Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func wrapErr(kind wire.Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// ErrFileSubstrateNotSupported is a sentinel for errors.Is that matches
// any substrate *Error of Kind FileSubstrateNotSupported. No substrate
// operation returns that Kind at present; archive.SwitchFileMode reports
// its Posix-only restriction with an archive *Error, which this
// sentinel does not match.
var ErrFileSubstrateNotSupported = &Error{Kind: wire.KindFileSubstrateNotSupported}
