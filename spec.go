package torrent

import (
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/kestrel-bt/torrent/layout"
	"github.com/kestrel-bt/torrent/storage"
)

// Specifies a new torrent for adding to a client. There's a constructor for torrent metainfo
// files.
type TorrentSpec struct {
	InfoHash [20]byte
	Layout   *layout.Layout
	// The name to use in logs and status.
	DisplayName string
	// Tracker announce URLs. Each is announced to independently.
	Trackers []string
	// Peers dialed regardless of what trackers say. Resolved by AddTorrent.
	PeerAddrs []string
	// Additional sources of peers, tried alongside trackers.
	PeerSources []PeerSource
	// Overrides the client's default storage.
	Storage storage.ClientImpl
	// Overrides the client's default piece completion.
	Completion storage.PieceCompletion
	// Hash everything in storage on start instead of trusting piece completion. Use when data is
	// supposed to already be present, such as when seeding.
	VerifyData bool
}

// The error will be from unmarshalling the info bytes.
func TorrentSpecFromMetaInfo(mi *metainfo.MetaInfo) (*TorrentSpec, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrap(err, "unmarshalling info")
	}
	l, err := layout.FromInfo(&info)
	if err != nil {
		return nil, errors.Wrap(err, "building layout")
	}
	spec := &TorrentSpec{
		InfoHash:    mi.HashInfoBytes(),
		Layout:      l,
		DisplayName: info.BestName(),
	}
	for _, tier := range mi.UpvertedAnnounceList() {
		spec.Trackers = append(spec.Trackers, tier...)
	}
	return spec, nil
}
