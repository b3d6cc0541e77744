package torrent

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrioritizedPeers(t *testing.T) {
	pp := newPrioritizedPeers(func(p PeerInfo) peerPriority {
		return bep40PriorityIgnoreError(p.Addr, netip.MustParseAddrPort("0.0.0.0:0"))
	})
	_, ok := pp.DeleteMin()
	assert.Panics(t, func() { pp.PopMax() })
	assert.False(t, ok)
	ps := []PeerInfo{
		{Addr: netip.MustParseAddrPort("1.2.3.4:0")},
		{Addr: netip.MustParseAddrPort("[1::2]:0")},
		{Addr: netip.AddrPort{}},
		{Addr: netip.AddrPort{}, Trusted: true},
	}
	for i, p := range ps {
		t.Logf("peer %d priority: %08x trusted: %t\n", i, pp.getPrio(p), p.Trusted)
		assert.False(t, pp.Add(p))
		assert.True(t, pp.Add(p))
		assert.Equal(t, i+1, pp.Len())
	}
	pop := func(expected *PeerInfo) {
		if expected == nil {
			assert.Panics(t, func() { pp.PopMax() })
		} else {
			assert.Equal(t, *expected, pp.PopMax())
		}
	}
	min := func(expected *PeerInfo) {
		i, ok := pp.DeleteMin()
		if expected == nil {
			assert.False(t, ok)
		} else {
			assert.True(t, ok)
			assert.Equal(t, *expected, i.p)
		}
	}
	// The untrusted peers with valid addresses order by their BEP 40 priority.
	hi, lo := &ps[0], &ps[1]
	if pp.getPrio(*hi) < pp.getPrio(*lo) {
		hi, lo = lo, hi
	}
	pop(&ps[3])
	pop(hi)
	min(&ps[2])
	pop(lo)
	min(nil)
	pop(nil)
}
