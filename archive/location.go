package archive

import (
	"fmt"

	"github.com/hpctrace/tracearch/wire"
	"golang.org/x/exp/slices"
)

// MappingKind identifies which ID-remap table a location's mapping
// table belongs to (local-to-global region IDs, metric IDs, etc).
// Out of scope per spec.md §1 ("ID-remapping tables... a separate
// dense-or-sparse mapping container") beyond this minimal per-kind
// slot used to detect the DuplicateMappingTable error.
type MappingKind int

// ClockInterval is one piece of the piecewise-linear clock mapping on
// [Begin, End) (§3, §4.5): global = OffsetBegin + (local-Begin)*Slope,
// so the value at Begin is OffsetBegin and the value at End is the
// offset recorded at End.
type ClockInterval struct {
	Begin, End   uint64
	OffsetBegin  int64
	Slope        float64
}

// Global maps a local time within [Begin, End) to the global clock.
func (ci ClockInterval) Global(local uint64) int64 {
	delta := float64(local - ci.Begin)
	return ci.OffsetBegin + int64(delta*ci.Slope)
}

// LocationState is the per-location metadata accumulated while reading
// local definitions (§3 "Location state", §4.5).
type LocationState struct {
	ID uint64

	mappingTables map[MappingKind]interface{}

	intervals []ClockInterval
	pending   *pendingInterval
}

type pendingInterval struct {
	begin  uint64
	offset int64
}

func newLocationState(id uint64) *LocationState {
	return &LocationState{ID: id, mappingTables: map[MappingKind]interface{}{}}
}

// SetMappingTable installs a mapping table for kind, failing if one is
// already present (§4.5, DuplicateMappingTable).
func (ls *LocationState) SetMappingTable(kind MappingKind, table interface{}) error {
	if _, ok := ls.mappingTables[kind]; ok {
		return newErr(wire.KindDuplicateMappingTable, "SetMappingTable", fmt.Sprintf("kind %d already installed for location %d", kind, ls.ID))
	}
	ls.mappingTables[kind] = table
	return nil
}

func (ls *LocationState) MappingTable(kind MappingKind) (interface{}, bool) {
	t, ok := ls.mappingTables[kind]
	return t, ok
}

// AddClockOffset completes the previously-pending interval (if any) by
// setting its end to t and computing its slope, appends it to the
// ordered interval list, and opens a new pending interval at (t,
// offset) (§4.5). stdDev is accepted for API completeness but not
// otherwise used by the core engine.
func (ls *LocationState) AddClockOffset(t uint64, offset int64, stdDev float64) {
	if ls.pending != nil {
		iv := ClockInterval{
			Begin:       ls.pending.begin,
			End:         t,
			OffsetBegin: ls.pending.offset,
		}
		if t > iv.Begin {
			iv.Slope = float64(offset-ls.pending.offset) / float64(t-iv.Begin)
		}
		idx, _ := slices.BinarySearchFunc(ls.intervals, iv.Begin, func(e ClockInterval, b uint64) int {
			switch {
			case e.Begin < b:
				return -1
			case e.Begin > b:
				return 1
			default:
				return 0
			}
		})
		ls.intervals = slices.Insert(ls.intervals, idx, iv)
	}
	ls.pending = &pendingInterval{begin: t, offset: offset}
}

// Finalize discards any trailing pending interval, which has no
// completion point to bound it (§4.5).
func (ls *LocationState) Finalize() {
	ls.pending = nil
}

// IntervalFor returns the interval covering local time t, per the
// ordering invariant begin <= t for the selected interval (§3
// invariant 11).
func (ls *LocationState) IntervalFor(t uint64) (ClockInterval, bool) {
	idx, found := slices.BinarySearchFunc(ls.intervals, t, func(e ClockInterval, target uint64) int {
		switch {
		case target < e.Begin:
			return 1
		case target >= e.End:
			return -1
		default:
			return 0
		}
	})
	if !found || idx >= len(ls.intervals) {
		return ClockInterval{}, false
	}
	return ls.intervals[idx], true
}

func (ls *LocationState) Intervals() []ClockInterval {
	return ls.intervals
}
