// Package sql parses the SQL subset accepted by the search endpoints:
//
//	SELECT <cols | aggregates> [FROM <stream>]
//	[WHERE <expr>] [GROUP BY cols] [ORDER BY col [ASC|DESC]]
//	[LIMIT n [OFFSET m]]
//
// and turns WHERE clauses into pushdown filters and time bounds for the
// planner.
package sql

import (
	"strings"

	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
)

// AggKind enumerates the supported aggregate functions.
type AggKind int

const (
	AggNone AggKind = iota
	AggCount
	AggSum
	AggMin
	AggMax
	AggAvg
	AggApproxDistinct
)

func (a AggKind) String() string {
	switch a {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggAvg:
		return "avg"
	case AggApproxDistinct:
		return "approx_distinct"
	}
	return ""
}

// Projection is one SELECT item: a plain column or an aggregate call.
type Projection struct {
	Agg   AggKind
	Col   string // argument column; empty for count(*)
	Star  bool   // count(*)
	Alias string
}

// Name is the output column name for the projection.
func (p Projection) Name() string {
	if p.Alias != "" {
		return p.Alias
	}
	if p.Agg == AggNone {
		return p.Col
	}
	if p.Star {
		return p.Agg.String()
	}
	return p.Agg.String() + "(" + p.Col + ")"
}

// OrderClause is one ORDER BY term.
type OrderClause struct {
	Col  string
	Desc bool
}

// Query is a parsed statement. Raw preserves the input text so scan
// fragments can ship the statement to peers verbatim.
type Query struct {
	Raw         string
	Projections []Projection
	Star        bool
	Stream      string
	Where       Expr
	GroupBy     []string
	OrderBy     []OrderClause
	Limit       int // -1 when absent
	Offset      int
}

// HasAggregates reports whether any projection aggregates.
func (q *Query) HasAggregates() bool {
	for _, p := range q.Projections {
		if p.Agg != AggNone {
			return true
		}
	}
	return false
}

// CmpOp is a comparison operator in a WHERE clause.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
	CmpIn
)

// Expr is a boolean WHERE expression tree.
type Expr interface {
	// Eval evaluates the expression against one row.
	Eval(fields map[string]record.Value) bool
}

// AndExpr and OrExpr are n-ary for flat conjunct walking.
type AndExpr struct{ Exprs []Expr }
type OrExpr struct{ Exprs []Expr }
type NotExpr struct{ Expr Expr }

// Comparison compares a column to literals.
type Comparison struct {
	Col    string
	Op     CmpOp
	Values []record.Value
}

func (e *AndExpr) Eval(fields map[string]record.Value) bool {
	for _, sub := range e.Exprs {
		if !sub.Eval(fields) {
			return false
		}
	}
	return true
}

func (e *OrExpr) Eval(fields map[string]record.Value) bool {
	for _, sub := range e.Exprs {
		if sub.Eval(fields) {
			return true
		}
	}
	return false
}

func (e *NotExpr) Eval(fields map[string]record.Value) bool {
	return !e.Expr.Eval(fields)
}

func (e *Comparison) Eval(fields map[string]record.Value) bool {
	return e.filter().MatchesRow(fields)
}

func (e *Comparison) filter() partition.Filter {
	op := map[CmpOp]partition.Op{
		CmpEq: partition.OpEq,
		CmpNe: partition.OpNe,
		CmpLt: partition.OpLt,
		CmpLe: partition.OpLe,
		CmpGt: partition.OpGt,
		CmpGe: partition.OpGe,
		CmpIn: partition.OpIn,
	}[e.Op]
	return partition.Filter{Column: e.Col, Op: op, Values: e.Values}
}

// Conjuncts returns the top-level AND-connected terms of the WHERE clause.
func (q *Query) Conjuncts() []Expr {
	if q.Where == nil {
		return nil
	}
	if and, ok := q.Where.(*AndExpr); ok {
		return and.Exprs
	}
	return []Expr{q.Where}
}

// TimeRange extracts the query's time bounds from _timestamp constraints in
// the top-level conjunction. Returns ok=false when no bound is present.
func (q *Query) TimeRange() (minTS, maxTS int64, ok bool) {
	minTS, maxTS = 0, int64(1)<<62
	for _, conjunct := range q.Conjuncts() {
		cmp, isCmp := conjunct.(*Comparison)
		if !isCmp || cmp.Col != record.TimestampField || len(cmp.Values) == 0 {
			continue
		}
		switch cmp.Op {
		case CmpGe, CmpGt:
			if v, vok := tsValue(cmp.Values[0]); vok {
				bound := v
				if cmp.Op == CmpGt {
					bound++
				}
				if bound > minTS {
					minTS = bound
				}
				ok = true
			}
		case CmpLe, CmpLt:
			if v, vok := tsValue(cmp.Values[0]); vok {
				bound := v
				if cmp.Op == CmpLt {
					bound--
				}
				if bound < maxTS {
					maxTS = bound
				}
				ok = true
			}
		case CmpEq:
			if v, vok := tsValue(cmp.Values[0]); vok {
				minTS, maxTS = v, v
				ok = true
			}
		}
	}
	return minTS, maxTS, ok
}

func tsValue(v record.Value) (int64, bool) {
	switch v.Kind {
	case record.KindInt64, record.KindTimestamp:
		return v.Int, true
	case record.KindFloat64:
		return int64(v.Float), true
	}
	return 0, false
}

// PushdownFilters converts the stats-prunable top-level conjuncts into
// partition filters. The full WHERE clause is still evaluated per row; these
// only drive index and block pruning.
func (q *Query) PushdownFilters() []partition.Filter {
	var filters []partition.Filter
	for _, conjunct := range q.Conjuncts() {
		if cmp, ok := conjunct.(*Comparison); ok && cmp.Op != CmpNe {
			filters = append(filters, cmp.filter())
		}
	}
	return filters
}

// ProjectionColumns lists the source columns the query reads, or nil for
// SELECT *.
func (q *Query) ProjectionColumns() []string {
	if q.Star {
		return nil
	}
	seen := map[string]bool{}
	var cols []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, p := range q.Projections {
		add(p.Col)
	}
	for _, g := range q.GroupBy {
		add(g)
	}
	for _, o := range q.OrderBy {
		add(o.Col)
	}
	add(record.TimestampField)
	return cols
}

func keywordEqual(s, keyword string) bool { return strings.EqualFold(s, keyword) }
