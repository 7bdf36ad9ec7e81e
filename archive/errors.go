package archive

import (
	"fmt"

	"github.com/hpctrace/tracearch/wire"
)

// Error is the typed error returned by archive operations, mirroring
// wire.Error's shape for the archive-orchestration layer (§4.4, §7).
type Error struct {
	Kind wire.Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("archive: %s: %s: %s", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("archive: %s: %s", e.Op, e.Msg)
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

// ErrDuplicateMappingTable is returned by LocationState.SetMappingTable
// when a mapping table of the same kind is already installed (§4.5).
var ErrDuplicateMappingTable = &Error{Kind: wire.KindDuplicateMappingTable}

// ErrFileModeTransitionInvalid is returned by SwitchFileMode for any
// transition other than the one supported one, Read to Write (§4.4).
var ErrFileModeTransitionInvalid = &Error{Kind: wire.KindFileModeTransitionInvalid}

// ErrUnsupportedVersion is returned when an anchor file declares an
// anchor-schema or trace-format version newer than this package
// understands (SUPPLEMENTED FEATURES #1, otf2_anchorfile_version_check).
var ErrUnsupportedVersion = &Error{Kind: wire.KindUnsupportedVersion}
