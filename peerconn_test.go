package torrent

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestPeerConnStateTransitions(t *testing.T) {
	allowed := map[PeerConnState][]PeerConnState{
		PeerConnConnecting:  {PeerConnHandshaking, PeerConnClosing},
		PeerConnHandshaking: {PeerConnEstablished, PeerConnClosing},
		PeerConnEstablished: {PeerConnClosing},
		PeerConnClosing:     {PeerConnClosed},
		PeerConnClosed:      nil,
	}
	for from := PeerConnConnecting; from <= PeerConnClosed; from++ {
		for to := PeerConnConnecting; to <= PeerConnClosed; to++ {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			qt.Check(t, qt.Equals(from.canTransitionTo(to), want), qt.Commentf("%v -> %v", from, to))
		}
	}
}

func TestPeerConnStateString(t *testing.T) {
	qt.Check(t, qt.Equals(PeerConnEstablished.String(), "established"))
	qt.Check(t, qt.Equals(PeerConnState(42).String(), "PeerConnState(42)"))
}

func TestConnLocalErrors(t *testing.T) {
	qt.Check(t, qt.IsTrue(isConnLocalError(protocolError("bad %s", "thing"))))
	qt.Check(t, qt.IsTrue(isConnLocalError(nil)))
	qt.Check(t, qt.IsFalse(isConnLocalError(ErrTorrentClosed)))
}
