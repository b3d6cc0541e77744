package picker

import (
	"math/rand/v2"
	"testing"

	"github.com/RoaringBitmap/roaring"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-bt/torrent/internal/testutil"
	"github.com/kestrel-bt/torrent/layout"
)

func noEndgame() Config {
	return Config{EndgameThreshold: 0, EndgameDuplicates: 1}
}

type fixture struct {
	*Picker
	data []byte
}

func newFixture(t testing.TB, length int, pieceLength int64, cfg Config) fixture {
	tor := testutil.RandomTorrent(1, "picker", length)
	return fixture{New(tor.Layout(pieceLength), cfg), tor.Data()}
}

func (f fixture) blockData(b layout.Block) []byte {
	off := b.Offset(f.layout)
	return f.data[off : off+int64(b.Length)]
}

func bitmapOf(pieces ...uint32) *roaring.Bitmap {
	return roaring.BitmapOf(pieces...)
}

func piecesOf(bs []layout.Block) (ret []uint32) {
	for _, b := range bs {
		ret = append(ret, b.Piece)
	}
	return
}

func TestRarestFirstScenario(t *testing.T) {
	f := newFixture(t, 4<<14, 1<<14, noEndgame())
	f.PeerBitfield(1, bitmapOf(0, 1))
	bs := f.PickBlocks(1, 10)
	// With a single peer both pieces are equally rare, so index breaks the tie.
	qt.Assert(t, qt.DeepEquals(piecesOf(bs), []uint32{0, 1}))
	f.RemovePeer(1)

	f = newFixture(t, 4<<14, 1<<14, noEndgame())
	f.PeerBitfield(1, bitmapOf(0, 1))
	f.PeerBitfield(2, bitmapOf(0))
	bs = f.PickBlocks(1, 10)
	qt.Assert(t, qt.DeepEquals(piecesOf(bs), []uint32{1, 0}))
	for _, b := range bs {
		qt.Check(t, qt.IsTrue(f.layout.ValidBlock(b)))
	}
	// Everything peer 2 could give us is already requested.
	qt.Check(t, qt.HasLen(f.PickBlocks(2, 10), 0))
}

func TestPickOnlyWhatPeerHas(t *testing.T) {
	r := rand.New(rand.NewPCG(2, 3))
	f := newFixture(t, 37<<14+100, 2<<14, noEndgame())
	n := f.layout.NumPieces()
	haves := make(map[PeerKey]*roaring.Bitmap)
	for key := PeerKey(1); key <= 8; key++ {
		bm := roaring.New()
		for i := range n {
			if r.IntN(3) == 0 {
				bm.Add(uint32(i))
			}
		}
		haves[key] = bm
		f.PeerBitfield(key, bm)
	}
	seen := make(map[layout.Block]bool)
	for round := 0; round < 4; round++ {
		for key, bm := range haves {
			for _, b := range f.PickBlocks(key, 5) {
				require.True(t, bm.Contains(b.Piece), "peer %v doesn't have %v", key, b)
				require.False(t, seen[b], "%v requested twice outside endgame", b)
				seen[b] = true
			}
		}
	}
}

func TestPreferPartialPieces(t *testing.T) {
	f := newFixture(t, 4<<16, 1<<16, noEndgame())
	f.PeerBitfield(1, bitmapOf(0, 1, 2, 3))
	f.PeerBitfield(2, bitmapOf(3))
	f.PeerBitfield(3, bitmapOf(3))
	// Piece 3 is the most available, but once started it should be finished first.
	b := f.layout.Block(3, 0)
	out := f.BlockReceived(2, b, f.blockData(b))
	qt.Assert(t, qt.Equals(out.Kind, StillPartial))
	qt.Check(t, qt.Equals(f.State(3), Partial))
	bs := f.PickBlocks(1, 3)
	qt.Assert(t, qt.DeepEquals(piecesOf(bs), []uint32{3, 3, 3}))
	// Then rarest.
	bs = f.PickBlocks(1, 1)
	qt.Assert(t, qt.DeepEquals(piecesOf(bs), []uint32{0}))
}

func TestVerifyAndPersist(t *testing.T) {
	f := newFixture(t, 3<<14-5, 2<<14, noEndgame())
	f.PeerBitfield(1, bitmapOf(0, 1))
	bs := f.PickBlocks(1, 10)
	qt.Assert(t, qt.HasLen(bs, 3))
	var outs []Outcome
	for _, b := range bs {
		outs = append(outs, f.BlockReceived(1, b, f.blockData(b)))
	}
	qt.Check(t, qt.Equals(outs[0].Kind, StillPartial))
	qt.Check(t, qt.Equals(outs[1].Kind, VerifiedAndPersist))
	qt.Check(t, qt.Equals(outs[1].Piece, 0))
	qt.Check(t, qt.DeepEquals(outs[1].Data, f.data[:2<<14]))
	qt.Check(t, qt.DeepEquals(outs[1].Contributors, []PeerKey{1}))
	qt.Check(t, qt.Equals(outs[2].Kind, VerifiedAndPersist))
	qt.Check(t, qt.Equals(outs[2].Piece, 1))
	qt.Check(t, qt.DeepEquals(outs[2].Data, f.data[2<<14:]))
	qt.Check(t, qt.Equals(f.State(0), Persisting))
	qt.Check(t, qt.IsFalse(f.Verified(0)))
	qt.Check(t, qt.IsFalse(f.Interesting(1)))
	qt.Check(t, qt.IsTrue(f.PieceWritten(0)))
	qt.Check(t, qt.IsTrue(f.PieceWritten(1)))
	qt.Check(t, qt.IsFalse(f.PieceWritten(1)))
	qt.Check(t, qt.IsTrue(f.Complete()))
	qt.Check(t, qt.Equals(f.Progress(), 1.0))
	// Arriving again after verification is a duplicate.
	out := f.BlockReceived(1, bs[0], f.blockData(bs[0]))
	qt.Check(t, qt.Equals(out.Kind, Duplicate))
}

func TestCorruptPieceScenario(t *testing.T) {
	f := newFixture(t, 4<<14, 1<<14, noEndgame())
	f.PeerBitfield(1, bitmapOf(2))
	bs := f.PickBlocks(1, 1)
	qt.Assert(t, qt.DeepEquals(bs, []layout.Block{{Piece: 2, Begin: 0, Length: 1 << 14}}))
	bad := make([]byte, 1<<14)
	out := f.BlockReceived(1, bs[0], bad)
	qt.Assert(t, qt.Equals(out.Kind, Corrupt))
	qt.Check(t, qt.Equals(out.Piece, 2))
	qt.Check(t, qt.DeepEquals(out.Contributors, []PeerKey{1}))
	qt.Check(t, qt.IsNil(out.Data))
	qt.Check(t, qt.Equals(f.State(2), Missing))
	qt.Check(t, qt.IsFalse(f.Verified(2)))
	// It's requestable again.
	qt.Check(t, qt.DeepEquals(f.PickBlocks(1, 1), bs))
}

func TestCorruptMultiBlockContributors(t *testing.T) {
	f := newFixture(t, 1<<16, 1<<16, noEndgame())
	f.PeerBitfield(1, bitmapOf(0))
	f.PeerBitfield(2, bitmapOf(0))
	a := f.PickBlocks(1, 2)
	b := f.PickBlocks(2, 2)
	qt.Assert(t, qt.HasLen(a, 2))
	qt.Assert(t, qt.HasLen(b, 2))
	for _, blk := range a {
		f.BlockReceived(1, blk, f.blockData(blk))
	}
	f.BlockReceived(2, b[0], f.blockData(b[0]))
	out := f.BlockReceived(2, b[1], make([]byte, b[1].Length))
	qt.Assert(t, qt.Equals(out.Kind, Corrupt))
	qt.Check(t, qt.DeepEquals(out.Contributors, []PeerKey{1, 2}))
	qt.Check(t, qt.Equals(f.NumRequests(1), 0))
	qt.Check(t, qt.Equals(f.NumRequests(2), 0))
}

func TestDisconnectReleasesRequests(t *testing.T) {
	f := newFixture(t, 10<<16, 1<<16, noEndgame())
	all := bitmapOf(0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	f.PeerBitfield(1, all)
	f.PeerBitfield(2, all)
	bs := f.PickBlocks(1, 7)
	qt.Assert(t, qt.HasLen(bs, 7))
	qt.Check(t, qt.Equals(f.NumRequests(1), 7))
	qt.Check(t, qt.Equals(f.RemovePeer(1), 7))
	qt.Check(t, qt.Equals(f.Availability(0), 1))
	// Exactly the released blocks come back.
	again := f.PickBlocks(2, 7)
	assert.ElementsMatch(t, bs, again)
	qt.Check(t, qt.Equals(f.RemovePeer(1), 0))
}

func TestContributedUntilPieceDone(t *testing.T) {
	f := newFixture(t, 2<<14, 2<<14, noEndgame())
	f.PeerBitfield(1, bitmapOf(0))
	f.PeerBitfield(2, bitmapOf(0))
	a := f.PickBlocks(1, 1)
	qt.Assert(t, qt.HasLen(a, 1))
	f.BlockReceived(1, a[0], f.blockData(a[0]))
	f.RemovePeer(1)
	// The block stays, and so does the record of who sent it.
	qt.Check(t, qt.IsTrue(f.Contributed(1)))
	qt.Check(t, qt.IsFalse(f.Contributed(2)))
	b := f.PickBlocks(2, 2)
	qt.Assert(t, qt.HasLen(b, 1))
	out := f.BlockReceived(2, b[0], f.blockData(b[0]))
	qt.Assert(t, qt.Equals(out.Kind, VerifiedAndPersist))
	qt.Check(t, qt.DeepEquals(out.Contributors, []PeerKey{1, 2}))
	qt.Check(t, qt.IsFalse(f.Contributed(1)))
	qt.Check(t, qt.IsFalse(f.Contributed(2)))
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t, 2<<14, 1<<14, noEndgame())
	f.PeerBitfield(1, bitmapOf(0, 1))
	bs := f.PickBlocks(1, 1)
	qt.Assert(t, qt.IsTrue(f.CancelRequest(1, bs[0])))
	qt.Assert(t, qt.IsFalse(f.CancelRequest(1, bs[0])))
	qt.Check(t, qt.DeepEquals(f.PickBlocks(1, 1), bs))
}

func TestEndgameDuplicates(t *testing.T) {
	f := newFixture(t, 2<<14, 1<<14, Config{EndgameThreshold: 4, EndgameDuplicates: 2})
	for key := PeerKey(1); key <= 3; key++ {
		f.PeerBitfield(key, bitmapOf(0, 1))
	}
	qt.Assert(t, qt.IsTrue(f.Endgame()))
	a := f.PickBlocks(1, 2)
	b := f.PickBlocks(2, 2)
	c := f.PickBlocks(3, 2)
	qt.Check(t, qt.HasLen(a, 2))
	qt.Check(t, qt.DeepEquals(b, a))
	// Two requesters per block at most.
	qt.Check(t, qt.HasLen(c, 0))
	// Peer 1 asking again gets nothing new.
	qt.Check(t, qt.HasLen(f.PickBlocks(1, 2), 0))

	out := f.BlockReceived(2, a[0], f.blockData(a[0]))
	qt.Assert(t, qt.Equals(out.Kind, VerifiedAndPersist))
	qt.Check(t, qt.DeepEquals(out.Cancels, []Cancel{{1, a[0]}}))
	qt.Check(t, qt.Equals(f.NumRequests(1), 1))
	// The loser's delivery is discarded.
	out = f.BlockReceived(1, a[0], f.blockData(a[0]))
	qt.Check(t, qt.Equals(out.Kind, Duplicate))
}

func TestStalled(t *testing.T) {
	f := newFixture(t, 2<<14, 1<<14, noEndgame())
	qt.Check(t, qt.IsTrue(f.Stalled()))
	f.PeerHave(1, 1)
	qt.Check(t, qt.IsFalse(f.Stalled()))
	f.MarkVerified(1)
	qt.Check(t, qt.IsTrue(f.Stalled()))
	f.MarkVerified(0)
	qt.Check(t, qt.IsFalse(f.Stalled()))
	qt.Check(t, qt.IsTrue(f.Complete()))
}

func TestWriteFailedRequeues(t *testing.T) {
	f := newFixture(t, 1<<14, 1<<14, noEndgame())
	f.PeerHave(1, 0)
	bs := f.PickBlocks(1, 1)
	out := f.BlockReceived(1, bs[0], f.blockData(bs[0]))
	qt.Assert(t, qt.Equals(out.Kind, VerifiedAndPersist))
	f.PieceWriteFailed(0)
	qt.Check(t, qt.Equals(f.State(0), Missing))
	qt.Check(t, qt.IsTrue(f.Interesting(1)))
}

func TestInvalidBlock(t *testing.T) {
	f := newFixture(t, 1<<14, 1<<14, noEndgame())
	out := f.BlockReceived(1, layout.Block{Piece: 0, Begin: 1, Length: 10}, make([]byte, 10))
	qt.Check(t, qt.Equals(out.Kind, Invalid))
	out = f.BlockReceived(1, layout.Block{Piece: 0, Begin: 0, Length: 1 << 14}, make([]byte, 10))
	qt.Check(t, qt.Equals(out.Kind, Invalid))
}

func TestPeerHaveInterest(t *testing.T) {
	f := newFixture(t, 2<<14, 1<<14, noEndgame())
	f.MarkVerified(0)
	qt.Check(t, qt.IsFalse(f.PeerHave(1, 0)))
	qt.Check(t, qt.IsFalse(f.Interesting(1)))
	qt.Check(t, qt.IsTrue(f.PeerHave(1, 1)))
	qt.Check(t, qt.IsTrue(f.PeerSeeding(1)))
	// Bits beyond the piece count are dropped.
	qt.Check(t, qt.IsTrue(f.PeerBitfield(2, bitmapOf(1, 9))))
	qt.Check(t, qt.Equals(f.Availability(1), 2))
}
