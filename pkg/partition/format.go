// Package partition implements the immutable columnar file format partitions
// are stored in:
//
//	+---------- header ----------+
//	| magic 8B "OOPART01"        |
//	| footer_offset u64          |
//	+---------- blocks ----------+
//	| block[0] ... block[N-1]    |  per-column byte runs, length-prefixed,
//	|                            |  zstd-compressed
//	+---------- footer ----------+
//	| schema                     |
//	| per-column stats           |
//	| block directory            |
//	| footer_len u32, crc32 u32  |
//	+----------------------------+
//
// All fixed-width integers are little-endian.
package partition

import (
	"hash/crc32"

	"github.com/jplandry908/openobserve/pkg/record"
)

const (
	// Magic identifies a partition file and its format revision.
	Magic = "OOPART01"

	headerSize  = 16 // magic + footer offset
	trailerSize = 8  // footer length + footer crc
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// BlockMeta locates one block and carries its row count and timestamp range
// for block-level skipping.
type BlockMeta struct {
	Offset int64
	Size   int64
	Rows   int
	MinTS  int64
	MaxTS  int64
}

// ColumnStats are the per-column pruning statistics recorded in the footer.
// Min/Max are null for unordered columns (lists, blooms-only types).
type ColumnStats struct {
	Name      string
	Type      string
	Min       record.Value
	Max       record.Value
	NullCount int64
	Bloom     []byte
}

// Meta summarizes a finished partition file.
type Meta struct {
	Rows    int64
	Bytes   int64
	MinTS   int64
	MaxTS   int64
	Columns []ColumnStats
}

// Op is a filter comparison operator.
type Op uint8

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
)

// Filter is a pushed-down column predicate: stats-prunable comparisons
// extracted from a query's WHERE clause. Eq uses Values[0]; In uses all.
type Filter struct {
	Column string
	Op     Op
	Values []record.Value
}

// MatchesRow evaluates the filter against a materialized row.
func (f Filter) MatchesRow(fields map[string]record.Value) bool {
	v, ok := fields[f.Column]
	if !ok || v.IsNull() {
		// Null never satisfies a comparison, but does satisfy !=.
		return f.Op == OpNe
	}
	switch f.Op {
	case OpEq:
		return record.Equal(v, f.Values[0])
	case OpNe:
		return !record.Equal(v, f.Values[0])
	case OpLt:
		return record.Compare(v, f.Values[0]) < 0
	case OpLe:
		return record.Compare(v, f.Values[0]) <= 0
	case OpGt:
		return record.Compare(v, f.Values[0]) > 0
	case OpGe:
		return record.Compare(v, f.Values[0]) >= 0
	case OpIn:
		for _, candidate := range f.Values {
			if record.Equal(v, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

// MayMatchStats reports whether a column with the given min/max could hold a
// row satisfying the filter. Missing stats never prune.
func (f Filter) MayMatchStats(min, max record.Value) bool {
	if min.IsNull() || max.IsNull() {
		return true
	}
	switch f.Op {
	case OpEq:
		return record.Compare(f.Values[0], min) >= 0 && record.Compare(f.Values[0], max) <= 0
	case OpIn:
		for _, v := range f.Values {
			if record.Compare(v, min) >= 0 && record.Compare(v, max) <= 0 {
				return true
			}
		}
		return false
	case OpLt:
		return record.Compare(min, f.Values[0]) < 0
	case OpLe:
		return record.Compare(min, f.Values[0]) <= 0
	case OpGt:
		return record.Compare(max, f.Values[0]) > 0
	case OpGe:
		return record.Compare(max, f.Values[0]) >= 0
	}
	return true
}
