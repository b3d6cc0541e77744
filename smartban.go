package torrent

import (
	"net/netip"

	"github.com/anacrolix/log"

	"github.com/kestrel-bt/torrent/picker"
)

// Gives a strike to everyone that contributed to a piece that failed its hash check.
func (t *Torrent) pieceCorrupt(out picker.Outcome) {
	pieceHashedNotCorrect.Add(1)
	piecesCorruptMetric.Inc()
	var addrs []netip.AddrPort
	for _, k := range out.Contributors {
		addr, ok := t.keyAddrs[k]
		if !ok {
			continue
		}
		addrs = append(addrs, addr)
		if c, ok := t.connsByKey[k]; ok {
			allStats(func(cs *ConnStats) { cs.PiecesDirtiedBad.Add(1) }, &c.stats, &t.stats)
		}
	}
	t.forgetContributors(out.Contributors)
	t.logger.Levelf(log.Info, "piece %d failed hash check, contributors %v", out.Piece, addrs)
	t.alert(PieceCorruptAlert{Piece: out.Piece, Peers: addrs})
	for _, addr := range addrs {
		t.strike(addr.Addr())
	}
	t.requestsDirty = true
}

func (t *Torrent) strike(ip netip.Addr) {
	if _, ok := t.banned[ip]; ok {
		return
	}
	t.strikes[ip]++
	if t.strikes[ip] >= t.config.BanThreshold {
		t.ban(ip)
	}
}

// Drops connections from the address and refuses it from now on.
func (t *Torrent) ban(ip netip.Addr) {
	t.banned[ip] = struct{}{}
	delete(t.strikes, ip)
	bannedPeersMetric.Inc()
	t.logger.Levelf(log.Warning, "banning %v", ip)
	for c := range t.conns {
		if c.RemoteAddr.Addr() == ip {
			c.close(ErrPeerBanned)
		}
	}
	t.alert(PeerBannedAlert{Addr: ip})
}
