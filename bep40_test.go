package torrent

import (
	"net/netip"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestBep40Priority(t *testing.T) {
	ap := netip.MustParseAddrPort
	prio := func(a, b string) peerPriority {
		ret, err := bep40Priority(ap(a), ap(b))
		qt.Assert(t, qt.IsNil(err))
		return ret
	}
	qt.Check(t, qt.Equals(prio("123.213.32.10:0", "98.76.54.32:0"), 0xec2d7224))
	qt.Check(t, qt.Equals(prio("98.76.54.32:0", "123.213.32.10:0"), 0xec2d7224))
	qt.Check(t, qt.Equals(prio("123.213.32.10:0", "123.213.32.234:0"), 0x99568189))
	bs, err := bep40PriorityBytes(ap("123.213.32.234:0"), ap("123.213.32.234:0"))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(bs, []byte{0, 0, 0, 0}))
}

func TestBep40PriorityMixedFamilies(t *testing.T) {
	_, err := bep40Priority(netip.MustParseAddrPort("1.2.3.4:1"), netip.MustParseAddrPort("[1::2]:1"))
	qt.Check(t, qt.IsNil(err))
	_, err = bep40Priority(netip.AddrPort{}, netip.MustParseAddrPort("1.2.3.4:1"))
	qt.Check(t, qt.IsNotNil(err))
}
