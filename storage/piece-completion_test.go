package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPieceCompletion(t *testing.T, pc PieceCompletion) {
	pk := PieceKey{InfoHash: [20]byte{1}, Index: 3}

	b, err := pc.Get(pk)
	require.NoError(t, err)
	assert.False(t, b.Ok)

	require.NoError(t, pc.Set(pk, false))

	b, err = pc.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: false, Ok: true}, b)

	require.NoError(t, pc.Set(pk, true))

	b, err = pc.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: true, Ok: true}, b)

	// Other torrents and pieces are unaffected.
	b, err = pc.Get(PieceKey{InfoHash: [20]byte{2}, Index: 3})
	require.NoError(t, err)
	assert.False(t, b.Ok)
	b, err = pc.Get(PieceKey{InfoHash: [20]byte{1}, Index: 4})
	require.NoError(t, err)
	assert.False(t, b.Ok)
}

func TestBoltPieceCompletion(t *testing.T) {
	pc, err := NewBoltPieceCompletion(t.TempDir())
	require.NoError(t, err)
	defer pc.Close()
	testPieceCompletion(t, pc)
}

func TestMapPieceCompletion(t *testing.T) {
	pc := NewMapPieceCompletion()
	defer pc.Close()
	testPieceCompletion(t, pc)
}

func TestBoltPieceCompletionPersists(t *testing.T) {
	dir := t.TempDir()
	pc, err := NewBoltPieceCompletion(dir)
	require.NoError(t, err)
	pk := PieceKey{Index: 1}
	require.NoError(t, pc.Set(pk, true))
	require.NoError(t, pc.Close())
	pc, err = NewBoltPieceCompletion(dir)
	require.NoError(t, err)
	defer pc.Close()
	c, err := pc.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: true, Ok: true}, c)
}
