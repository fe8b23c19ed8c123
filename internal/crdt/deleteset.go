package crdt

import "sort"

// span is the half-open clock interval [start, end).
type span struct {
	start uint64
	end   uint64
}

// deleteSet keeps deleted clocks per client as sorted, disjoint, non-adjacent
// spans. Memory grows with the number of ranges, not with their length.
type deleteSet map[uint64][]span

func (ds deleteSet) contains(id ID) bool {
	spans := ds[id.Client]
	index := sort.Search(len(spans), func(i int) bool { return spans[i].end > id.Clock })
	return index < len(spans) && spans[index].start <= id.Clock
}

// add marks the range deleted and returns the parts that were not deleted before.
func (ds deleteSet) add(deletion DeleteRange) []DeleteRange {
	start, end := deletion.Clock, deletion.Clock+deletion.Length
	if end <= start {
		return nil
	}
	spans := ds[deletion.Client]
	first := sort.Search(len(spans), func(i int) bool { return spans[i].end >= start })
	last := first
	cursor := start
	var added []DeleteRange
	for ; last < len(spans) && spans[last].start <= end; last++ {
		if spans[last].start > cursor {
			added = append(added, DeleteRange{Client: deletion.Client, Clock: cursor, Length: spans[last].start - cursor})
		}
		if spans[last].end > cursor {
			cursor = spans[last].end
		}
	}
	if cursor < end {
		added = append(added, DeleteRange{Client: deletion.Client, Clock: cursor, Length: end - cursor})
	}
	if len(added) == 0 {
		return nil
	}
	merged := span{start: start, end: end}
	if first < last {
		if spans[first].start < merged.start {
			merged.start = spans[first].start
		}
		if spans[last-1].end > merged.end {
			merged.end = spans[last-1].end
		}
	}
	updated := make([]span, 0, len(spans)-(last-first)+1)
	updated = append(updated, spans[:first]...)
	updated = append(updated, merged)
	updated = append(updated, spans[last:]...)
	ds[deletion.Client] = updated
	return added
}

// ranges lists every deleted range ordered by client and clock.
func (ds deleteSet) ranges() []DeleteRange {
	clients := make([]uint64, 0, len(ds))
	for client := range ds {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	var ranges []DeleteRange
	for _, client := range clients {
		for _, deleted := range ds[client] {
			ranges = append(ranges, DeleteRange{Client: client, Clock: deleted.start, Length: deleted.end - deleted.start})
		}
	}
	return ranges
}

func (ds deleteSet) spanCount() int {
	count := 0
	for _, spans := range ds {
		count += len(spans)
	}
	return count
}
