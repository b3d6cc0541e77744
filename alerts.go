package torrent

import (
	"fmt"
	"net/netip"
)

// Something that happened in a torrent that an application may want to react to. Alerts are
// delivered without blocking the torrent: if the receiver falls behind, new alerts are dropped.
// Completion can also be waited on reliably with Torrent.Complete.
type Alert interface {
	fmt.Stringer
	isAlert()
}

type (
	PieceCompletedAlert struct {
		Piece int
	}
	TorrentCompleteAlert struct{}
	PieceCorruptAlert    struct {
		Piece int
		// Addresses of peers that supplied blocks for the piece.
		Peers []netip.AddrPort
	}
	PeerBannedAlert struct {
		Addr netip.Addr
	}
	PeerConnectedAlert struct {
		Addr     netip.AddrPort
		PeerID   PeerID
		Outgoing bool
	}
	PeerDisconnectedAlert struct {
		Addr netip.AddrPort
		Err  error
	}
	// No connected peer has any of the pieces we still need.
	StalledAlert struct {
		Remaining int
	}
	StorageFailedAlert struct {
		Err error
	}
)

func (PieceCompletedAlert) isAlert()   {}
func (TorrentCompleteAlert) isAlert()  {}
func (PieceCorruptAlert) isAlert()     {}
func (PeerBannedAlert) isAlert()       {}
func (PeerConnectedAlert) isAlert()    {}
func (PeerDisconnectedAlert) isAlert() {}
func (StalledAlert) isAlert()          {}
func (StorageFailedAlert) isAlert()    {}

func (me PieceCompletedAlert) String() string {
	return fmt.Sprintf("piece %d completed", me.Piece)
}

func (TorrentCompleteAlert) String() string {
	return "torrent complete"
}

func (me PieceCorruptAlert) String() string {
	return fmt.Sprintf("piece %d corrupt, supplied by %v", me.Piece, me.Peers)
}

func (me PeerBannedAlert) String() string {
	return fmt.Sprintf("banned %v", me.Addr)
}

func (me PeerConnectedAlert) String() string {
	dir := "incoming"
	if me.Outgoing {
		dir = "outgoing"
	}
	return fmt.Sprintf("connected to %v (%s, %v)", me.Addr, dir, me.PeerID)
}

func (me PeerDisconnectedAlert) String() string {
	return fmt.Sprintf("disconnected from %v: %v", me.Addr, me.Err)
}

func (me StalledAlert) String() string {
	return fmt.Sprintf("stalled with %d pieces remaining", me.Remaining)
}

func (me StorageFailedAlert) String() string {
	return fmt.Sprintf("storage failed: %v", me.Err)
}
