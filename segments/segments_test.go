package segments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type located struct {
	Index int
	Extent
}

func collect(idx Index, e Extent) (ret []located) {
	for i, e := range idx.Locate(e) {
		ret = append(ret, located{i, e})
	}
	return
}

func TestLocate(t *testing.T) {
	idx := NewIndex([]Length{1, 0, 2, 0, 3})
	assert.Equal(t, []located{{2, Extent{1, 1}}, {4, Extent{0, 1}}}, collect(idx, Extent{2, 2}))
	assert.Empty(t, collect(idx, Extent{6, 2}))
	assert.Equal(t, []located{{0, Extent{0, 1}}, {2, Extent{0, 2}}, {4, Extent{0, 3}}}, collect(idx, Extent{0, 6}))
	// Truncated at the end of the index.
	assert.Equal(t, []located{{4, Extent{2, 1}}}, collect(idx, Extent{5, 10}))
	assert.Empty(t, collect(idx, Extent{3, 0}))
}

func TestLocateSingleSegment(t *testing.T) {
	idx := NewIndex([]Length{100})
	assert.Equal(t, []located{{0, Extent{10, 20}}}, collect(idx, Extent{10, 20}))
}

func TestCovers(t *testing.T) {
	idx := NewIndex([]Length{1, 0, 2})
	assert.EqualValues(t, 3, idx.Length())
	assert.True(t, idx.Covers(Extent{0, 3}))
	assert.False(t, idx.Covers(Extent{1, 3}))
	assert.False(t, idx.Covers(Extent{-1, 1}))
	assert.EqualValues(t, 0, NewIndex(nil).Length())
}

func TestLocateStopsEarly(t *testing.T) {
	idx := NewIndex([]Length{1, 1, 1})
	var n int
	for range idx.Locate(Extent{0, 3}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}
