package querier

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/axiomhq/hyperloglog"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/sql"
)

// Aggregation here is two-phase: every scanning node folds rows into partial
// states per group, the coordinator merges partials and finalizes. count,
// sum, min, max and avg merge exactly; approx_distinct merges HLL sketches.

type aggState struct {
	count int64
	sum   float64
	min   record.Value
	max   record.Value
	hll   *hyperloglog.Sketch
}

type groupState struct {
	keys   []record.Value
	states []*aggState
}

// aggregator folds rows for one fragment.
type aggregator struct {
	query  *sql.Query
	groups map[string]*groupState
}

func newAggregator(query *sql.Query) *aggregator {
	return &aggregator{query: query, groups: map[string]*groupState{}}
}

func (a *aggregator) observe(fields map[string]record.Value) {
	keyVals := make([]record.Value, len(a.query.GroupBy))
	var keyBuilder strings.Builder
	for i, col := range a.query.GroupBy {
		v, ok := fields[col]
		if !ok {
			v = record.Null()
		}
		keyVals[i] = v
		keyBuilder.WriteString(v.AsString())
		keyBuilder.WriteByte(0)
	}
	key := keyBuilder.String()

	group, ok := a.groups[key]
	if !ok {
		group = &groupState{keys: keyVals, states: make([]*aggState, len(a.query.Projections))}
		for i := range group.states {
			group.states[i] = &aggState{min: record.Null(), max: record.Null()}
		}
		a.groups[key] = group
	}

	for i, proj := range a.query.Projections {
		if proj.Agg == sql.AggNone {
			continue
		}
		state := group.states[i]
		if proj.Star {
			state.count++
			continue
		}
		v, ok := fields[proj.Col]
		if !ok || v.IsNull() {
			continue
		}
		switch proj.Agg {
		case sql.AggCount:
			state.count++
		case sql.AggSum, sql.AggAvg:
			if f, numeric := v.AsFloat(); numeric {
				state.sum += f
				state.count++
			}
		case sql.AggMin:
			if state.min.IsNull() || record.Compare(v, state.min) < 0 {
				state.min = v
			}
		case sql.AggMax:
			if state.max.IsNull() || record.Compare(v, state.max) > 0 {
				state.max = v
			}
		case sql.AggApproxDistinct:
			if state.hll == nil {
				state.hll = hyperloglog.New16()
			}
			state.hll.Insert([]byte(v.AsString()))
		}
	}
}

// aggPartialWire is the JSON shape partial aggregates travel in between
// nodes.
type aggPartialWire struct {
	Groups []groupWire `json:"groups"`
}

type groupWire struct {
	Keys   []record.Value `json:"keys"`
	States []stateWire    `json:"states"`
}

type stateWire struct {
	Count int64        `json:"count"`
	Sum   float64      `json:"sum"`
	Min   record.Value `json:"min"`
	Max   record.Value `json:"max"`
	HLL   string       `json:"hll,omitempty"`
}

func (a *aggregator) wire() (*aggPartialWire, error) {
	out := &aggPartialWire{}
	for _, group := range a.groups {
		gw := groupWire{Keys: group.keys}
		for _, state := range group.states {
			sw := stateWire{Count: state.count, Sum: state.sum, Min: state.min, Max: state.max}
			if state.hll != nil {
				data, err := state.hll.MarshalBinary()
				if err != nil {
					return nil, errors.Wrap(err, "marshal hll sketch")
				}
				sw.HLL = base64.StdEncoding.EncodeToString(data)
			}
			gw.States = append(gw.States, sw)
		}
		out.Groups = append(out.Groups, gw)
	}
	return out, nil
}

// merge folds a wire partial from another node into this aggregator.
func (a *aggregator) merge(partial *aggPartialWire) error {
	for _, gw := range partial.Groups {
		var keyBuilder strings.Builder
		for _, v := range gw.Keys {
			keyBuilder.WriteString(v.AsString())
			keyBuilder.WriteByte(0)
		}
		key := keyBuilder.String()

		group, ok := a.groups[key]
		if !ok {
			group = &groupState{keys: gw.Keys, states: make([]*aggState, len(a.query.Projections))}
			for i := range group.states {
				group.states[i] = &aggState{min: record.Null(), max: record.Null()}
			}
			a.groups[key] = group
		}
		for i, sw := range gw.States {
			if i >= len(group.states) {
				break
			}
			state := group.states[i]
			state.count += sw.Count
			state.sum += sw.Sum
			if !sw.Min.IsNull() && (state.min.IsNull() || record.Compare(sw.Min, state.min) < 0) {
				state.min = sw.Min
			}
			if !sw.Max.IsNull() && (state.max.IsNull() || record.Compare(sw.Max, state.max) > 0) {
				state.max = sw.Max
			}
			if sw.HLL != "" {
				data, err := base64.StdEncoding.DecodeString(sw.HLL)
				if err != nil {
					return errors.Wrap(err, "decode hll sketch")
				}
				incoming := hyperloglog.New16()
				if err := incoming.UnmarshalBinary(data); err != nil {
					return errors.Wrap(err, "unmarshal hll sketch")
				}
				if state.hll == nil {
					state.hll = incoming
				} else if err := state.hll.Merge(incoming); err != nil {
					return errors.Wrap(err, "merge hll sketch")
				}
			}
		}
	}
	return nil
}

// finalize renders grouped rows, applying ORDER BY and LIMIT/OFFSET.
func (a *aggregator) finalize() []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(a.groups))
	ordered := make([]*groupState, 0, len(a.groups))
	for _, g := range a.groups {
		ordered = append(ordered, g)
	}
	// Deterministic output: sort by group key values.
	sort.Slice(ordered, func(i, j int) bool {
		for k := range ordered[i].keys {
			if c := record.Compare(ordered[i].keys[k], ordered[j].keys[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	for _, group := range ordered {
		row := map[string]interface{}{}
		for i, col := range a.query.GroupBy {
			row[col] = valueJSON(group.keys[i])
		}
		for i, proj := range a.query.Projections {
			state := group.states[i]
			switch proj.Agg {
			case sql.AggNone:
				// A bare column in an aggregate query is only legal when
				// grouped; grouped columns were emitted above.
			case sql.AggCount:
				row[proj.Name()] = state.count
			case sql.AggSum:
				row[proj.Name()] = state.sum
			case sql.AggAvg:
				if state.count > 0 {
					row[proj.Name()] = state.sum / float64(state.count)
				} else {
					row[proj.Name()] = nil
				}
			case sql.AggMin:
				row[proj.Name()] = valueJSON(state.min)
			case sql.AggMax:
				row[proj.Name()] = valueJSON(state.max)
			case sql.AggApproxDistinct:
				var estimate uint64
				if state.hll != nil {
					estimate = state.hll.Estimate()
				}
				row[proj.Name()] = estimate
			}
		}
		rows = append(rows, row)
	}

	if len(a.query.OrderBy) > 0 {
		clause := a.query.OrderBy[0]
		sort.SliceStable(rows, func(i, j int) bool {
			less := compareJSON(rows[i][clause.Col], rows[j][clause.Col]) < 0
			if clause.Desc {
				return !less
			}
			return less
		})
	}

	return sliceRows(rows, a.query.Offset, a.query.Limit)
}

func sliceRows(rows []map[string]interface{}, offset, limit int) []map[string]interface{} {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// valueJSON converts a Value to its natural JSON representation for result
// rows.
func valueJSON(v record.Value) interface{} {
	switch v.Kind {
	case record.KindNull:
		return nil
	case record.KindBool:
		return v.Bool
	case record.KindInt64, record.KindTimestamp:
		return v.Int
	case record.KindFloat64:
		return v.Float
	case record.KindString:
		return v.Str
	case record.KindBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case record.KindList:
		out := make([]interface{}, len(v.List))
		for i, e := range v.List {
			out[i] = valueJSON(e)
		}
		return out
	}
	return nil
}

func compareJSON(a, b interface{}) int {
	af, aok := jsonNumber(a)
	bf, bok := jsonNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return strings.Compare(as, bs)
}

func jsonNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
