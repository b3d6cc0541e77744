// Package segments locates extents of a linear byte space within a sequence of contiguous
// segments, such as a torrent's files.
package segments

import (
	"iter"
	"sort"
)

type Int = int64

type Length = Int

type Extent struct {
	Start, Length Int
}

func (e Extent) End() Int {
	return e.Start + e.Length
}

type Index struct {
	segments []Extent
}

func NewIndex(lengths []Length) (ret Index) {
	var start Length
	for _, l := range lengths {
		ret.segments = append(ret.segments, Extent{start, l})
		start += l
	}
	return
}

func (me Index) Len() int {
	return len(me.segments)
}

func (me Index) Index(i int) Extent {
	return me.segments[i]
}

// Total length of all segments.
func (me Index) Length() Length {
	if len(me.segments) == 0 {
		return 0
	}
	return me.segments[len(me.segments)-1].End()
}

// Yields, in order, each segment overlapping e along with the overlapping extent relative to the
// start of that segment. Zero length segments are never yielded. Parts of e beyond the last
// segment are ignored: use Covers to check for that.
func (me Index) Locate(e Extent) iter.Seq2[int, Extent] {
	return func(yield func(int, Extent) bool) {
		if e.Start < 0 {
			e.Length += e.Start
			e.Start = 0
		}
		first := sort.Search(len(me.segments), func(i int) bool {
			return me.segments[i].End() > e.Start
		})
		for i := first; i < len(me.segments) && e.Length > 0; i++ {
			s := me.segments[i]
			if s.Length == 0 {
				continue
			}
			start := e.Start - s.Start
			n := min(s.Length-start, e.Length)
			if !yield(i, Extent{start, n}) {
				return
			}
			e.Start += n
			e.Length -= n
		}
	}
}

func (me Index) Covers(e Extent) bool {
	return e.Start >= 0 && e.Length >= 0 && e.End() <= me.Length()
}
