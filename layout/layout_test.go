package layout

import (
	"crypto/sha1"
	"testing"

	qt "github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func makeLayout(t testing.TB, total, pieceLength int64) *Layout {
	n := (total + pieceLength - 1) / pieceLength
	l, err := New(total, pieceLength, make([]Hash, n), nil)
	require.NoError(t, err)
	return l
}

func TestPieceCount(t *testing.T) {
	for _, tc := range []struct {
		total, pieceLength int64
		numPieces          int
		lastLength         int64
	}{
		{0, 1 << 14, 0, 0},
		{1, 1 << 14, 1, 1},
		{1 << 14, 1 << 14, 1, 1 << 14},
		{1<<14 + 1, 1 << 14, 2, 1},
		{472183431, 1 << 18, 1802, 472183431 - (1<<18)*1801},
	} {
		l := makeLayout(t, tc.total, tc.pieceLength)
		qt.Check(t, qt.Equals(l.NumPieces(), tc.numPieces))
		if tc.numPieces != 0 {
			qt.Check(t, qt.Equals(l.PieceLength(tc.numPieces-1), tc.lastLength))
		}
	}
}

func TestLengthsPartition(t *testing.T) {
	for _, total := range []int64{1, 1000, 1 << 14, 3<<14 + 7, 1 << 20, 5<<18 - 1} {
		for _, pieceLength := range []int64{1 << 14, 1<<14 + 3, 1 << 18, 3 << 15} {
			l := makeLayout(t, total, pieceLength)
			var sumPieces int64
			for i := range l.NumPieces() {
				var sumBlocks int64
				var next uint32
				for b := range l.Blocks(i) {
					// Blocks are contiguous and don't overlap.
					qt.Assert(t, qt.Equals(b.Begin, next))
					qt.Assert(t, qt.IsTrue(l.ValidBlock(b)))
					next = b.End()
					sumBlocks += int64(b.Length)
				}
				qt.Assert(t, qt.Equals(sumBlocks, l.PieceLength(i)))
				sumPieces += l.PieceLength(i)
			}
			qt.Assert(t, qt.Equals(sumPieces, total))
		}
	}
}

func TestValidBlock(t *testing.T) {
	l := makeLayout(t, 2<<14+100, 2<<14)
	qt.Check(t, qt.IsTrue(l.ValidBlock(Block{0, 0, BlockSize})))
	qt.Check(t, qt.IsTrue(l.ValidBlock(Block{1, 0, 100})))
	qt.Check(t, qt.IsFalse(l.ValidBlock(Block{1, 0, BlockSize})))
	qt.Check(t, qt.IsFalse(l.ValidBlock(Block{0, 1, BlockSize})))
	qt.Check(t, qt.IsFalse(l.ValidBlock(Block{2, 0, 100})))
	qt.Check(t, qt.IsFalse(l.ValidBlock(Block{0, 2 * BlockSize, BlockSize})))
	qt.Check(t, qt.IsTrue(l.ValidRange(0, 5, 7)))
	qt.Check(t, qt.IsFalse(l.ValidRange(1, 50, 51)))
	qt.Check(t, qt.IsFalse(l.ValidRange(0, 0, 0)))
}

func TestNewRejects(t *testing.T) {
	_, err := New(100, 0, nil, nil)
	qt.Check(t, qt.IsNotNil(err))
	_, err = New(100, 50, make([]Hash, 3), nil)
	qt.Check(t, qt.IsNotNil(err))
	_, err = New(100, 50, make([]Hash, 2), []File{{Length: 60}, {Length: 30}})
	qt.Check(t, qt.IsNotNil(err))
	l, err := New(100, 50, make([]Hash, 2), []File{{Length: 70}, {Length: 30}})
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(l.Files(), 2))
}

func TestCheckPiece(t *testing.T) {
	data := []byte("hello world, this is piece zero")
	l, err := New(int64(len(data)), 1<<14, []Hash{sha1.Sum(data)}, nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(l.CheckPiece(0, data)))
	bad := append([]byte(nil), data...)
	bad[0] ^= 1
	qt.Check(t, qt.IsFalse(l.CheckPiece(0, bad)))
	qt.Check(t, qt.IsFalse(l.CheckPiece(0, data[:5])))
}

func TestSplitHashes(t *testing.T) {
	hs, err := SplitHashes(make([]byte, 60))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(hs, 3))
	_, err = SplitHashes(make([]byte, 59))
	qt.Check(t, qt.IsNotNil(err))
}

func TestBlocksOfShortLastPiece(t *testing.T) {
	l := makeLayout(t, 40000, 32<<10)
	var got []Block
	for i := range l.NumPieces() {
		for b := range l.Blocks(i) {
			got = append(got, b)
		}
	}
	want := []Block{
		{Piece: 0, Begin: 0, Length: BlockSize},
		{Piece: 0, Begin: BlockSize, Length: BlockSize},
		{Piece: 1, Begin: 0, Length: 40000 - 32<<10},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
}
