package mmap_span

import (
	"io"
	"testing"

	"github.com/edsrzf/mmap-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-bt/torrent/segments"
)

// Plain slices behave like mappings for the span's purposes.
func TestSpanAcrossSegments(t *testing.T) {
	a := make(mmap.MMap, 3)
	c := make(mmap.MMap, 4)
	ms := &MMapSpan{
		mMaps:          []mmap.MMap{a, nil, c},
		segmentLocater: segments.NewIndex([]segments.Length{3, 0, 4}),
	}
	n, err := ms.WriteAt([]byte("hello"), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "\x00he", string(a))
	assert.Equal(t, "llo\x00", string(c))
	b := make([]byte, 7)
	n, err = ms.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "\x00hello\x00", string(b))
	n, err = ms.ReadAt(b, 3)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)
}
