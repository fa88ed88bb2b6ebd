package querier

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/cluster"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/sql"
)

// Plan is the physical plan for one query: the parsed statement, resolved
// time bounds and pushdown filters, and one scan fragment per owning node.
type Plan struct {
	Org    string
	Stream string
	Spec   metastore.StreamSpec
	Query  *sql.Query

	MinTS      int64
	MaxTS      int64
	Filters    []partition.Filter
	Projection []string

	Fragments []Fragment
}

// Fragment is the unit of dispatch: the partitions one node scans, plus
// whether it should also read its unflushed memtables.
type Fragment struct {
	Node         cluster.Node
	Local        bool
	Manifests    []metastore.Manifest
	IncludeFresh bool
}

// Plan parses, binds and prunes a query. Queries without a time bound are
// rejected unless the stream opted into full scans.
func (q *Querier) Plan(ctx context.Context, req *QueryRequest) (*Plan, error) {
	stmt, err := sql.Parse(req.SQL)
	if err != nil {
		return nil, err
	}
	stream := req.Stream
	if stmt.Stream != "" {
		stream = stmt.Stream
	}
	if stream == "" {
		return nil, apierror.BadRequest("missing_stream", "query names no stream")
	}

	spec, _, err := q.catalog.GetStream(ctx, req.Org, stream)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, apierror.New(apierror.KindNotFound, "stream_not_found", "stream %s/%s does not exist", req.Org, stream)
		}
		return nil, apierror.StorageUnavailable(err)
	}

	minTS, maxTS, bounded := stmt.TimeRange()
	if req.StartTime > 0 {
		minTS, bounded = req.StartTime, true
	}
	if req.EndTime > 0 {
		maxTS, bounded = req.EndTime, true
	}
	if !bounded {
		if !spec.AllowFullScan {
			return nil, apierror.BadRequest("missing_time_range", "query has no time predicate and stream %s does not allow full scans", stream)
		}
		minTS, maxTS = 0, int64(1)<<62
	}
	if maxTS < minTS {
		return nil, apierror.BadRequest("invalid_time_range", "end time precedes start time")
	}

	if stmt.Limit < 0 {
		stmt.Limit = q.cfg.DefaultSize
	}
	if req.Size > 0 {
		stmt.Limit = req.Size
	}

	filters := stmt.PushdownFilters()
	plan := &Plan{
		Org:        req.Org,
		Stream:     stream,
		Spec:       spec,
		Query:      stmt,
		MinTS:      minTS,
		MaxTS:      maxTS,
		Filters:    filters,
		Projection: stmt.ProjectionColumns(),
	}

	manifests := q.index.Lookup(req.Org, stream, minTS, maxTS, filters)
	plan.Fragments = q.assignFragments(req.Org, stream, manifests)
	return plan, nil
}

// assignFragments groups candidate partitions by owning querier. Partitions
// whose owner is this node scan locally; fresh (unflushed) data is read on
// the stream's ingestion owner.
func (q *Querier) assignFragments(org, stream string, manifests []metastore.Manifest) []Fragment {
	self := cluster.Node{}
	byNode := map[string]*Fragment{}
	order := []string{}

	add := func(node cluster.Node, local bool) *Fragment {
		frag, ok := byNode[node.ID]
		if !ok {
			frag = &Fragment{Node: node, Local: local}
			byNode[node.ID] = frag
			order = append(order, node.ID)
		}
		return frag
	}

	owner, hasOwner := q.cluster.QuerierFor(org, stream)
	for _, m := range manifests {
		node := owner
		local := false
		if !hasOwner || q.cluster.IsSelf(node) {
			node = self
			node.ID = q.cluster.NodeID()
			local = true
		}
		frag := add(node, local)
		frag.Manifests = append(frag.Manifests, m)
	}

	// The ingestion owner contributes memtable data not yet flushed.
	if ingNode, ok := q.cluster.IngesterFor(org, stream); ok {
		local := q.cluster.IsSelf(ingNode)
		if local {
			ingNode.ID = q.cluster.NodeID()
		}
		frag := add(ingNode, local)
		frag.IncludeFresh = true
	} else if q.ingester != nil {
		frag := add(cluster.Node{ID: q.cluster.NodeID()}, true)
		frag.IncludeFresh = true
	}

	out := make([]Fragment, 0, len(order))
	for _, id := range order {
		out = append(out, *byNode[id])
	}
	return out
}
