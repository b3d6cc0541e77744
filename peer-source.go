package torrent

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type PeerSourceName string

const (
	PeerSourceStatic   PeerSourceName = "static"
	PeerSourceTracker  PeerSourceName = "tracker"
	PeerSourceIncoming PeerSourceName = "incoming"
)

// A peer address and what we know about it before connecting.
type PeerInfo struct {
	Addr   netip.AddrPort
	Source PeerSourceName
	// Trusted peers are dialed before others.
	Trusted bool
}

type AnnounceEvent int

const (
	AnnounceEventNone AnnounceEvent = iota
	AnnounceEventStarted
	AnnounceEventCompleted
	AnnounceEventStopped
)

// What a peer source may tell others about us when asking for peers.
type AnnounceStatus struct {
	InfoHash   [20]byte
	PeerID     PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      AnnounceEvent
	NumWant    int
}

// Discovers peers for a torrent. Implementations are called from a goroutine of their own.
type PeerSource interface {
	Name() string
	// Returns peers and how long to wait before asking again. A zero interval means the source has
	// nothing further to offer.
	Peers(ctx context.Context, status AnnounceStatus) (peers []PeerInfo, next time.Duration, err error)
}

// A fixed set of peers, such as those given on the command line. They're offered once per interval
// so that lost connections are retried.
type StaticPeers struct {
	Addrs    []netip.AddrPort
	Interval time.Duration
}

// Resolves "host:port" strings to addresses.
func ParseStaticPeers(ctx context.Context, hostPorts []string) (ret StaticPeers, err error) {
	var r net.Resolver
	for _, hp := range hostPorts {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			return ret, errors.Wrapf(err, "parsing peer %q", hp)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return ret, errors.Wrapf(err, "parsing port of peer %q", hp)
		}
		addrs, err := r.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return ret, errors.Wrapf(err, "resolving peer %q", hp)
		}
		for _, a := range addrs {
			ret.Addrs = append(ret.Addrs, netip.AddrPortFrom(a.Unmap(), uint16(port)))
		}
	}
	return
}

func (me StaticPeers) Name() string {
	return string(PeerSourceStatic)
}

func (me StaticPeers) Peers(ctx context.Context, status AnnounceStatus) ([]PeerInfo, time.Duration, error) {
	ret := make([]PeerInfo, 0, len(me.Addrs))
	for _, a := range me.Addrs {
		ret = append(ret, PeerInfo{
			Addr:    a,
			Source:  PeerSourceStatic,
			Trusted: true,
		})
	}
	interval := me.Interval
	if interval == 0 {
		interval = time.Minute
	}
	return ret, interval, nil
}
