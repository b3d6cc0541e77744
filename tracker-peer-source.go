package torrent

import (
	"context"
	"net/netip"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/tracker"
	"github.com/pkg/errors"
)

// Announces to a tracker over HTTP or UDP.
type TrackerPeerSource struct {
	Url       string
	UserAgent string
	Logger    log.Logger
	// Used if the tracker doesn't give an interval.
	DefaultInterval time.Duration
}

func (me TrackerPeerSource) Name() string {
	return me.Url
}

func trackerEvent(e AnnounceEvent) tracker.AnnounceEvent {
	switch e {
	case AnnounceEventStarted:
		return tracker.Started
	case AnnounceEventCompleted:
		return tracker.Completed
	case AnnounceEventStopped:
		return tracker.Stopped
	default:
		return tracker.None
	}
}

func (me TrackerPeerSource) Peers(ctx context.Context, status AnnounceStatus) (peers []PeerInfo, next time.Duration, err error) {
	res, err := tracker.Announce{
		TrackerUrl: me.Url,
		Request: tracker.AnnounceRequest{
			InfoHash:   status.InfoHash,
			PeerId:     status.PeerID,
			Downloaded: status.Downloaded,
			Left:       status.Left,
			Uploaded:   status.Uploaded,
			Event:      trackerEvent(status.Event),
			NumWant:    int32(status.NumWant),
			Port:       uint16(status.Port),
		},
		UserAgent: me.UserAgent,
		Context:   ctx,
		Logger:    me.Logger,
	}.Do()
	if err != nil {
		err = errors.Wrapf(err, "announcing to %q", me.Url)
		return
	}
	for _, p := range res.Peers {
		addr, ok := netip.AddrFromSlice(p.IP)
		if !ok || p.Port <= 0 || p.Port > 0xffff {
			continue
		}
		peers = append(peers, PeerInfo{
			Addr:   netip.AddrPortFrom(addr.Unmap(), uint16(p.Port)),
			Source: PeerSourceTracker,
		})
	}
	next = time.Duration(res.Interval) * time.Second
	if next <= 0 {
		next = me.DefaultInterval
	}
	return
}
