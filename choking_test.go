package torrent

import (
	"math/rand/v2"
	"testing"

	g "github.com/anacrolix/generics"
	"github.com/go-quicktest/qt"

	"github.com/kestrel-bt/torrent/picker"
)

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestChooseUnchokesPrefersFastInterestedPeers(t *testing.T) {
	cands := []chokeCandidate{
		{Key: 1, Interested: true, Rate: 10},
		{Key: 2, Interested: false, Rate: 1000},
		{Key: 3, Interested: true, Rate: 30},
		{Key: 4, Interested: true, Rate: 20},
	}
	unchoke, opt := chooseUnchokes(cands, 2, g.None[picker.PeerKey](), false, testRand())
	// The only interested peer left over is the optimistic unchoke.
	qt.Assert(t, qt.IsTrue(opt.Ok))
	qt.Check(t, qt.Equals(opt.Value, 1))
	qt.Check(t, qt.DeepEquals(unchoke, []picker.PeerKey{3, 4, 1}))
}

func TestChooseUnchokesNoInterest(t *testing.T) {
	unchoke, opt := chooseUnchokes([]chokeCandidate{{Key: 1}, {Key: 2}}, 4, g.Some[picker.PeerKey](1), false, testRand())
	qt.Check(t, qt.HasLen(unchoke, 0))
	qt.Check(t, qt.IsFalse(opt.Ok))
}

func TestChooseUnchokesBounded(t *testing.T) {
	var cands []chokeCandidate
	for i := range 20 {
		cands = append(cands, chokeCandidate{Key: picker.PeerKey(i), Interested: true, Rate: float64(i % 5)})
	}
	r := testRand()
	prev := g.None[picker.PeerKey]()
	for range 50 {
		unchoke, opt := chooseUnchokes(cands, 4, prev, true, r)
		qt.Assert(t, qt.HasLen(unchoke, 5))
		qt.Assert(t, qt.IsTrue(opt.Ok))
		seen := make(map[picker.PeerKey]bool)
		for _, k := range unchoke {
			qt.Assert(t, qt.IsFalse(seen[k]))
			seen[k] = true
		}
		prev = opt
	}
}

func TestChooseUnchokesKeepsOptimisticUntilRotation(t *testing.T) {
	cands := []chokeCandidate{
		{Key: 1, Interested: true, Rate: 100},
		{Key: 2, Interested: true},
		{Key: 3, Interested: true},
		{Key: 4, Interested: true},
	}
	r := testRand()
	_, opt := chooseUnchokes(cands, 1, g.None[picker.PeerKey](), false, r)
	qt.Assert(t, qt.IsTrue(opt.Ok))
	qt.Assert(t, qt.Not(qt.Equals(opt.Value, 1)))
	for range 10 {
		_, again := chooseUnchokes(cands, 1, opt, false, r)
		qt.Check(t, qt.Equals(again, opt))
	}
	// A previous optimistic unchoke that earned a regular slot isn't kept as optimistic.
	_, opt = chooseUnchokes(cands, 1, g.Some[picker.PeerKey](1), false, r)
	qt.Check(t, qt.Not(qt.Equals(opt.Value, 1)))
}
