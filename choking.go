package torrent

import (
	"cmp"
	"math/rand/v2"
	"slices"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"

	"github.com/kestrel-bt/torrent/picker"
)

// A peer as seen by the choker.
type chokeCandidate struct {
	Key        picker.PeerKey
	Interested bool
	// Bytes per second received from the peer, or sent to it when we're seeding.
	Rate float64
}

func chokeCandidateLess(l, r chokeCandidate) multiless.Computation {
	return multiless.New().Cmp(
		cmp.Compare(r.Rate, l.Rate),
	).Cmp(
		cmp.Compare(l.Key, r.Key),
	)
}

// Picks the peers to unchoke: the fastest slots interested peers, plus one optimistic unchoke
// among the other interested peers. The previous optimistic unchoke is kept unless rotate is set
// or it no longer qualifies. Everyone else should be choked. At most slots+1 peers are returned.
func chooseUnchokes(
	cands []chokeCandidate,
	slots int,
	prevOptimistic g.Option[picker.PeerKey],
	rotate bool,
	r *rand.Rand,
) (unchoke []picker.PeerKey, optimistic g.Option[picker.PeerKey]) {
	var interested []chokeCandidate
	for _, c := range cands {
		if c.Interested {
			interested = append(interested, c)
		}
	}
	slices.SortFunc(interested, func(l, r chokeCandidate) int {
		return chokeCandidateLess(l, r).OrderingInt()
	})
	regular := interested[:min(max(slots, 0), len(interested))]
	for _, c := range regular {
		unchoke = append(unchoke, c.Key)
	}
	rest := interested[len(regular):]
	if len(rest) == 0 {
		return
	}
	if prevOptimistic.Ok && !rotate {
		for _, c := range rest {
			if c.Key == prevOptimistic.Value {
				optimistic = prevOptimistic
			}
		}
	}
	if !optimistic.Ok {
		optimistic = g.Some(rest[r.IntN(len(rest))].Key)
	}
	unchoke = append(unchoke, optimistic.Value)
	return
}
