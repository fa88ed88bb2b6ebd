package querier

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/sql"
)

// ScanRequest is the fragment shipped to a peer querier (and the internal
// shape used for local execution): re-parse the statement, scan the named
// partition objects, optionally read unflushed memtables.
type ScanRequest struct {
	Org          string   `json:"org"`
	Stream       string   `json:"stream"`
	SQL          string   `json:"sql"`
	MinTS        int64    `json:"min_ts"`
	MaxTS        int64    `json:"max_ts"`
	ObjectKeys   []string `json:"object_keys"`
	IncludeFresh bool     `json:"include_fresh"`
}

// PartialResult is one fragment's contribution.
type PartialResult struct {
	Rows []map[string]record.Value `json:"rows,omitempty"`
	Aggs *aggPartialWire           `json:"aggs,omitempty"`

	ScanSize     int64 `json:"scan_size"`
	ScanRecords  int64 `json:"scan_records"`
	CacheHits    int64 `json:"cache_hits"`
	CacheLookups int64 `json:"cache_lookups"`
	Degraded     bool  `json:"degraded,omitempty"`
}

// Query runs one search end to end: plan, dispatch, merge.
func (q *Querier) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, q.cfg.MaxQueryTime)
	defer cancel()

	plan, err := q.Plan(ctx, req)
	if err != nil {
		queriesTotal.WithLabelValues(StateFailed.String()).Inc()
		return nil, err
	}

	partials, err := q.dispatch(ctx, plan)
	if err != nil {
		state := StateFailed
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			state = StateCancelled
		}
		queriesTotal.WithLabelValues(state.String()).Inc()
		return nil, err
	}

	resp, err := q.mergePartials(plan, partials)
	if err != nil {
		queriesTotal.WithLabelValues(StateFailed.String()).Inc()
		return nil, err
	}
	resp.TookMs = time.Since(start).Milliseconds()
	queriesTotal.WithLabelValues(StateCompleted.String()).Inc()
	queryDuration.Observe(time.Since(start).Seconds())
	return resp, nil
}

// dispatch fans the plan's fragments out: local fragments execute in
// process, remote ones go to their owner. Any fragment error fails the whole
// query; these operators are not partial-ok.
func (q *Querier) dispatch(ctx context.Context, plan *Plan) ([]*PartialResult, error) {
	partials := make([]*PartialResult, len(plan.Fragments))
	g, ctx := errgroup.WithContext(ctx)
	for idx, frag := range plan.Fragments {
		idx, frag := idx, frag
		scanReq := &ScanRequest{
			Org:          plan.Org,
			Stream:       plan.Stream,
			SQL:          plan.Query.Raw,
			MinTS:        plan.MinTS,
			MaxTS:        plan.MaxTS,
			IncludeFresh: frag.IncludeFresh,
		}
		for _, m := range frag.Manifests {
			scanReq.ObjectKeys = append(scanReq.ObjectKeys, m.ObjectKey)
		}
		g.Go(func() error {
			var partial *PartialResult
			var err error
			if frag.Local || frag.Node.Addr == "" {
				partial, err = q.ExecuteFragment(ctx, scanReq)
			} else {
				partial, err = q.remote.Scan(ctx, frag.Node.Addr, scanReq)
			}
			if err != nil {
				return errors.Wrapf(err, "fragment on %s", frag.Node.ID)
			}
			partials[idx] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return partials, nil
}

// ExecuteFragment scans the named partitions (and optionally fresh data) on
// this node. It is also the entry point for the internal scan endpoint.
func (q *Querier) ExecuteFragment(ctx context.Context, req *ScanRequest) (*PartialResult, error) {
	stmt, err := sql.Parse(req.SQL)
	if err != nil {
		return nil, err
	}
	filters := stmt.PushdownFilters()
	projection := scanColumns(stmt)

	result := &PartialResult{}
	var agg *aggregator
	if stmt.HasAggregates() {
		agg = newAggregator(stmt)
	}

	type rowBatch struct {
		rows []map[string]record.Value
	}
	// Bounded hand-off between scan workers and the single collector;
	// producers block when the collector falls behind.
	batches := make(chan rowBatch, 4)

	collectorDone := make(chan struct{})
	var rows []map[string]record.Value
	var collected int64
	go func() {
		defer close(collectorDone)
		for batch := range batches {
			for _, fields := range batch.rows {
				collected++
				if agg != nil {
					agg.observe(fields)
					continue
				}
				rows = append(rows, fields)
			}
		}
	}()

	g, scanCtx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.ScanConcurrency)

	var scanSize, scanRecords, cacheHits, cacheLookups atomic.Int64
	var degraded atomic.Bool

	for _, key := range req.ObjectKeys {
		key := key
		g.Go(func() error {
			cached := q.cache.Contains(key)
			cacheLookups.Inc()
			if cached {
				cacheHits.Inc()
			}
			path, err := q.cache.Fetch(scanCtx, key)
			if err != nil {
				// Object store unreachable: serve what the cache has and
				// flag the response rather than failing the query.
				level.Warn(q.logger).Log("msg", "partition fetch failed, serving degraded results", "key", key, "err", err)
				degraded.Store(true)
				return nil
			}
			reader, err := partition.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open partition %s", key)
			}
			defer reader.Close()
			scanSize.Add(reader.Meta().Bytes)

			batch := rowBatch{}
			flush := func() error {
				if len(batch.rows) == 0 {
					return nil
				}
				select {
				case batches <- batch:
				case <-scanCtx.Done():
					return scanCtx.Err()
				}
				batch = rowBatch{}
				return nil
			}
			err = reader.Iterate(projection, filters, req.MinTS, req.MaxTS, func(rec record.Record) error {
				// Cancellation is checked at batch boundaries, bounding the
				// response to one batch of rows.
				scanRecords.Inc()
				if stmt.Where != nil && !stmt.Where.Eval(rec.Fields) {
					return nil
				}
				batch.rows = append(batch.rows, rec.Fields)
				if len(batch.rows) >= q.cfg.BatchSize {
					return flush()
				}
				return nil
			})
			if err != nil {
				return err
			}
			return flush()
		})
	}

	err = g.Wait()
	if err == nil && req.IncludeFresh && q.ingester != nil {
		batch := rowBatch{}
		for _, rec := range q.ingester.QueryFresh(req.Org, req.Stream, req.MinTS, req.MaxTS, filters) {
			scanRecords.Inc()
			if stmt.Where != nil && !stmt.Where.Eval(rec.Fields) {
				continue
			}
			batch.rows = append(batch.rows, rec.Fields)
		}
		if len(batch.rows) > 0 {
			batches <- batch
		}
	}
	close(batches)
	<-collectorDone
	if err != nil {
		return nil, err
	}

	scannedRecords.Add(float64(scanRecords.Load()))
	result.ScanSize = scanSize.Load()
	result.ScanRecords = scanRecords.Load()
	result.CacheHits = cacheHits.Load()
	result.CacheLookups = cacheLookups.Load()
	result.Degraded = degraded.Load()

	if agg != nil {
		wire, err := agg.wire()
		if err != nil {
			return nil, err
		}
		result.Aggs = wire
		return result, nil
	}

	// Order within the fragment so the coordinator can k-way merge.
	if orderedByTimestamp(stmt) {
		sortRowsByTimestamp(rows, false)
	}
	// A fragment never needs more than offset+limit rows for ordered or
	// unordered raw queries.
	if max := fragmentRowCap(stmt, q.cfg.MaxCoordinatorRows); len(rows) > max {
		if orderedByTimestamp(stmt) && stmt.OrderBy[0].Desc {
			rows = rows[len(rows)-max:]
		} else if len(stmt.OrderBy) == 0 || orderedByTimestamp(stmt) {
			rows = rows[:max]
		}
	}
	result.Rows = rows
	return result, nil
}

// fragmentRowCap bounds rows shipped per fragment: enough to satisfy
// offset+limit when the order is the timestamp (or there is none), otherwise
// the coordinator cap.
func fragmentRowCap(stmt *sql.Query, coordinatorMax int) int {
	if len(stmt.OrderBy) == 0 || orderedByTimestamp(stmt) {
		if stmt.Limit >= 0 {
			return stmt.Offset + stmt.Limit
		}
	}
	return coordinatorMax
}

func orderedByTimestamp(stmt *sql.Query) bool {
	return len(stmt.OrderBy) == 1 && stmt.OrderBy[0].Col == record.TimestampField
}

func sortRowsByTimestamp(rows []map[string]record.Value, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti := rowTS(rows[i])
		tj := rowTS(rows[j])
		if desc {
			return ti > tj
		}
		return ti < tj
	})
}

func rowTS(fields map[string]record.Value) int64 {
	if v, ok := fields[record.TimestampField]; ok {
		return v.Int
	}
	return 0
}

// scanColumns is the projection pushed into partition reads: the SELECT
// columns plus everything the WHERE clause touches.
func scanColumns(stmt *sql.Query) []string {
	cols := stmt.ProjectionColumns()
	if cols == nil {
		return nil // SELECT *
	}
	seen := map[string]bool{}
	for _, c := range cols {
		seen[c] = true
	}
	for _, c := range whereColumns(stmt.Where) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols
}

func whereColumns(e sql.Expr) []string {
	switch expr := e.(type) {
	case nil:
		return nil
	case *sql.AndExpr:
		var out []string
		for _, sub := range expr.Exprs {
			out = append(out, whereColumns(sub)...)
		}
		return out
	case *sql.OrExpr:
		var out []string
		for _, sub := range expr.Exprs {
			out = append(out, whereColumns(sub)...)
		}
		return out
	case *sql.NotExpr:
		return whereColumns(expr.Expr)
	case *sql.Comparison:
		return []string{expr.Col}
	}
	return nil
}

// mergePartials combines fragment results at the coordinator.
func (q *Querier) mergePartials(plan *Plan, partials []*PartialResult) (*QueryResponse, error) {
	resp := &QueryResponse{}
	var cacheHits, cacheLookups int64
	for _, p := range partials {
		if p == nil {
			continue
		}
		resp.ScanSize += p.ScanSize
		resp.ScanRecords += p.ScanRecords
		cacheHits += p.CacheHits
		cacheLookups += p.CacheLookups
		if p.Degraded {
			resp.StorageDegraded = true
		}
	}
	if cacheLookups > 0 {
		resp.CachedRatio = float64(cacheHits) / float64(cacheLookups)
	}

	stmt := plan.Query
	if stmt.HasAggregates() {
		agg := newAggregator(stmt)
		for _, p := range partials {
			if p == nil || p.Aggs == nil {
				continue
			}
			if err := agg.merge(p.Aggs); err != nil {
				return nil, err
			}
		}
		resp.Hits = agg.finalize()
		resp.Total = int64(len(resp.Hits))
		return resp, nil
	}

	var total int64
	var rows []map[string]record.Value
	if orderedByTimestamp(stmt) {
		sorted := make([][]map[string]record.Value, 0, len(partials))
		for _, p := range partials {
			if p != nil && len(p.Rows) > 0 {
				total += int64(len(p.Rows))
				sorted = append(sorted, p.Rows)
			}
		}
		rows = mergeByTimestamp(sorted, stmt.OrderBy[0].Desc)
	} else {
		for _, p := range partials {
			if p == nil {
				continue
			}
			total += int64(len(p.Rows))
			rows = append(rows, p.Rows...)
		}
		if len(stmt.OrderBy) > 0 {
			clause := stmt.OrderBy[0]
			sort.SliceStable(rows, func(i, j int) bool {
				vi := rows[i][clause.Col]
				vj := rows[j][clause.Col]
				less := record.Compare(vi, vj) < 0
				if clause.Desc {
					return record.Compare(vi, vj) > 0
				}
				return less
			})
		}
	}
	if len(rows) > q.cfg.MaxCoordinatorRows {
		return nil, apierror.QueryTooLarge("query would materialize %d rows at the coordinator (limit %d)", len(rows), q.cfg.MaxCoordinatorRows)
	}

	rows = sliceValueRows(rows, stmt.Offset, stmt.Limit)
	resp.Hits = make([]map[string]interface{}, len(rows))
	for i, fields := range rows {
		hit := make(map[string]interface{}, len(fields))
		if stmt.Star {
			for name, v := range fields {
				hit[name] = valueJSON(v)
			}
		} else {
			for _, proj := range stmt.Projections {
				hit[proj.Name()] = valueJSON(fields[proj.Col])
			}
			hit[record.TimestampField] = valueJSON(fields[record.TimestampField])
		}
		resp.Hits[i] = hit
	}
	resp.Total = total
	return resp, nil
}

func sliceValueRows(rows []map[string]record.Value, offset, limit int) []map[string]record.Value {
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
