package torrent

import (
	"fmt"
)

type TorrentState int

const (
	// Added but not started.
	TorrentStopped TorrentState = iota
	// Verifying data already in storage.
	TorrentChecking
	TorrentDownloading
	TorrentSeeding
	TorrentPaused
	TorrentClosed
	TorrentFailed
)

func (s TorrentState) String() string {
	switch s {
	case TorrentStopped:
		return "stopped"
	case TorrentChecking:
		return "checking"
	case TorrentDownloading:
		return "downloading"
	case TorrentSeeding:
		return "seeding"
	case TorrentPaused:
		return "paused"
	case TorrentClosed:
		return "closed"
	case TorrentFailed:
		return "failed"
	default:
		return fmt.Sprintf("TorrentState(%d)", int(s))
	}
}

// Instantaneous metrics of a Torrent.
type TorrentGauges struct {
	// Ordered by expected descending quantities (if all is well).
	PendingPeers     int
	HalfOpenPeers    int
	ActivePeers      int
	ConnectedSeeders int
	UnchokedPeers    int
	PiecesComplete   int
	PiecesTotal      int
}

type TorrentStats struct {
	// Aggregates over all connections past and present.
	ConnStats
	TorrentGauges
	State    TorrentState
	Progress float64
	// Bytes of verified data, and bytes still needed.
	BytesCompleted int64
	BytesLeft      int64
	// Bytes per second of useful data received, and data sent.
	DownloadRate float64
	UploadRate   float64
	Endgame      bool
	Banned       int
}

func (t *Torrent) state() TorrentState {
	switch {
	case t.Err() != nil:
		return TorrentFailed
	case t.closing.IsSet():
		return TorrentClosed
	case t.checking != 0:
		return TorrentChecking
	case !t.started:
		return TorrentStopped
	case t.paused:
		return TorrentPaused
	case t.picker.Complete():
		return TorrentSeeding
	default:
		return TorrentDownloading
	}
}

func (t *Torrent) statsLocked() (ret TorrentStats) {
	ret.ConnStats = t.stats.Copy()
	ret.State = t.state()
	ret.Progress = t.picker.Progress()
	ret.BytesLeft = t.bytesLeft.Load()
	ret.BytesCompleted = t.layout.TotalLength() - ret.BytesLeft
	ret.DownloadRate = t.downloadRate.Rate()
	ret.UploadRate = t.uploadRate.Rate()
	ret.Endgame = t.picker.Endgame()
	ret.Banned = len(t.banned)
	ret.PendingPeers = t.peers.Len()
	ret.PiecesComplete = t.picker.NumVerified()
	ret.PiecesTotal = t.layout.NumPieces()
	for c := range t.conns {
		if !c.established() {
			ret.HalfOpenPeers++
			continue
		}
		ret.ActivePeers++
		if t.picker.PeerSeeding(c.key) {
			ret.ConnectedSeeders++
		}
		if !c.amChoking {
			ret.UnchokedPeers++
		}
	}
	return
}
