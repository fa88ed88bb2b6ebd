package querier

import (
	"container/heap"

	"github.com/jplandry908/openobserve/pkg/record"
)

// mergeByTimestamp k-way merges per-fragment row slices that are already
// timestamp-ordered ascending. Ties keep fragment order, which preserves
// ingestion order for rows from the same ingester.
func mergeByTimestamp(sorted [][]map[string]record.Value, desc bool) []map[string]record.Value {
	total := 0
	for _, s := range sorted {
		total += len(s)
	}
	if total == 0 {
		return nil
	}

	h := &mergeHeap{desc: desc}
	for i, s := range sorted {
		if len(s) > 0 {
			pos := 0
			if desc {
				pos = len(s) - 1
			}
			h.items = append(h.items, mergeItem{source: i, pos: pos, rows: s})
		}
	}
	heap.Init(h)

	out := make([]map[string]record.Value, 0, total)
	for h.Len() > 0 {
		item := h.items[0]
		out = append(out, item.rows[item.pos])
		if desc {
			item.pos--
		} else {
			item.pos++
		}
		if item.pos < 0 || item.pos >= len(item.rows) {
			heap.Pop(h)
			continue
		}
		h.items[0] = item
		heap.Fix(h, 0)
	}
	return out
}

type mergeItem struct {
	source int
	pos    int
	rows   []map[string]record.Value
}

type mergeHeap struct {
	items []mergeItem
	desc  bool
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	ti := rowTS(h.items[i].rows[h.items[i].pos])
	tj := rowTS(h.items[j].rows[h.items[j].pos])
	if ti != tj {
		if h.desc {
			return ti > tj
		}
		return ti < tj
	}
	return h.items[i].source < h.items[j].source
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(mergeItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
