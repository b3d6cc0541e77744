package torrent

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"net/netip"

	"github.com/pkg/errors"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// BEP 40 canonical peer priority. Higher priorities are dialed first.
type peerPriority = uint32

// Bytes of a and b kept whole when masking: the first prefix length at or beyond minPrefix that
// distinguishes them.
func bep40PrefixLen(a, b []byte, minPrefix int) int {
	for i := minPrefix; i < len(a); i++ {
		if !bytes.Equal(a[:i], b[:i]) {
			return i
		}
	}
	return len(a)
}

func bep40Masked(ip []byte, prefix int) []byte {
	ret := bytes.Clone(ip)
	for i := prefix; i < len(ret); i++ {
		ret[i] &= 0x55
	}
	return ret
}

func bep40PriorityBytes(a, b netip.AddrPort) ([]byte, error) {
	if a.Addr() == b.Addr() {
		var ret [4]byte
		binary.BigEndian.PutUint16(ret[0:2], a.Port())
		binary.BigEndian.PutUint16(ret[2:4], b.Port())
		return ret[:], nil
	}
	var aip, bip []byte
	var minPrefix int
	switch {
	case a.Addr().Unmap().Is4() && b.Addr().Unmap().Is4():
		a4, b4 := a.Addr().Unmap().As4(), b.Addr().Unmap().As4()
		aip, bip = a4[:], b4[:]
		minPrefix = 2
	case a.Addr().IsValid() && b.Addr().IsValid():
		a16, b16 := a.Addr().As16(), b.Addr().As16()
		aip, bip = a16[:], b16[:]
		minPrefix = 6
	default:
		return nil, errors.New("incomparable IPs")
	}
	prefix := bep40PrefixLen(aip, bip, minPrefix)
	return append(bep40Masked(aip, prefix), bep40Masked(bip, prefix)...), nil
}

func bep40Priority(a, b netip.AddrPort) (peerPriority, error) {
	bs, err := bep40PriorityBytes(a, b)
	if err != nil {
		return 0, err
	}
	half := len(bs) / 2
	lo, hi := bs[:half], bs[half:]
	if bytes.Compare(lo, hi) > 0 {
		bs = append(bytes.Clone(hi), lo...)
	}
	return crc32.Checksum(bs, castagnoli), nil
}

func bep40PriorityIgnoreError(a, b netip.AddrPort) peerPriority {
	prio, _ := bep40Priority(a, b)
	return prio
}
