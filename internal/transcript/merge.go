package transcript

import (
	"cmp"
	"container/heap"
	"slices"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// trackCursor walks one track's segment stream during the merge.
type trackCursor struct {
	track    string
	segments []types.Segment
	pos      int
}

func (c *trackCursor) current() types.Segment { return c.segments[c.pos] }

// mergeHeap is a min-heap of track cursors ordered by the start time of
// each cursor's current segment, with the track name as tie-break so the
// merge is deterministic regardless of map iteration order.
type mergeHeap []*trackCursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	si, sj := h[i].current(), h[j].current()
	if si.Start != sj.Start {
		return si.Start < sj.Start
	}
	return h[i].track < h[j].track
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*trackCursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// Merge combines per-track transcripts into one chronological stream. Each
// track is one recorded speaker; the track name becomes the Speaker label
// on every segment it contributed, and IDs are reassigned to the merged
// order. Segments within a track must already be chronological, which STT
// providers guarantee.
func Merge(tracks map[string][]types.Segment) []types.Segment {
	h := make(mergeHeap, 0, len(tracks))
	total := 0
	for track, segs := range tracks {
		if len(segs) == 0 {
			continue
		}
		h = append(h, &trackCursor{track: track, segments: segs})
		total += len(segs)
	}
	heap.Init(&h)

	merged := make([]types.Segment, 0, total)
	for h.Len() > 0 {
		c := h[0]
		seg := c.current()
		seg.ID = len(merged)
		seg.Speaker = c.track
		merged = append(merged, seg)

		c.pos++
		if c.pos == len(c.segments) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return merged
}

// AlignTurns assigns diarization speaker labels to segments by maximum
// temporal overlap. A segment that overlaps no turn keeps its existing
// Speaker label; on equal overlap the earlier turn wins. The input slice is
// not modified.
//
// Segments must be chronological (they are after [Merge] or straight from
// an STT provider); turns may arrive in any order.
func AlignTurns(segments []types.Segment, turns []types.SpeakerTurn) []types.Segment {
	out := slices.Clone(segments)
	if len(turns) == 0 {
		return out
	}

	sorted := slices.Clone(turns)
	slices.SortFunc(sorted, func(a, b types.SpeakerTurn) int {
		return cmp.Compare(a.Start, b.Start)
	})

	lo := 0
	for i := range out {
		seg := &out[i]

		// Turns that ended before this segment cannot overlap any later
		// segment either.
		for lo < len(sorted) && sorted[lo].End <= seg.Start {
			lo++
		}

		best := -1
		bestOverlap := 0.0
		for j := lo; j < len(sorted) && sorted[j].Start < seg.End; j++ {
			overlap := min(sorted[j].End, seg.End) - max(sorted[j].Start, seg.Start)
			if overlap > bestOverlap {
				bestOverlap = overlap
				best = j
			}
		}
		if best >= 0 {
			seg.Speaker = sorted[best].Speaker
		}
	}
	return out
}
