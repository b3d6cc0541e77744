package torrent

import (
	"crypto/rand"
	"encoding/hex"
)

type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

// Builds a peer ID from a BEP 20 style prefix, filling the rest randomly.
func newPeerID(prefix string) (ret PeerID) {
	n := copy(ret[:], prefix)
	rand.Read(ret[n:])
	return
}
