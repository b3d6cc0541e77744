package torrent

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
)

type statusWriter struct {
	w    io.Writer
	line []any
}

func (me *statusWriter) a(a any) {
	me.line = append(me.line, a)
}

func (me *statusWriter) as(a ...any) {
	me.line = append(me.line, a...)
}

func (me *statusWriter) f(fmtStr string, args ...any) {
	me.line = append(me.line, fmt.Sprintf(fmtStr, args...))
}

func (me *statusWriter) nl() {
	fmt.Fprintln(me.w, me.line...)
	me.line = nil
}

// Writes out a human readable status of the client, such as for writing to a HTTP status page.
func (cl *Client) WriteStatus(w io.Writer) {
	sw := statusWriter{w: w}
	sw.f("Peer ID: %v", cl.peerID)
	sw.nl()
	if addr := cl.ListenAddr(); addr != nil {
		sw.as("Listening on", addr)
	} else {
		sw.a("Not listening")
	}
	sw.nl()
	ts := cl.Torrents()
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].String() < ts[j].String()
	})
	sw.f("# Torrents: %d", len(ts))
	sw.nl()
	for _, t := range ts {
		fmt.Fprintln(w)
		t.writeStatus(&sw)
	}
}

func (t *Torrent) writeStatus(sw *statusWriter) {
	st := t.Stats()
	sw.f("%x: %s", t.infoHash, t)
	sw.nl()
	sw.f("  State: %v", st.State)
	sw.nl()
	sw.f("  Progress: %.1f%% (%d/%d pieces)", 100*st.Progress, st.PiecesComplete, st.PiecesTotal)
	sw.as(",", humanize.IBytes(uint64(st.BytesLeft)), "left")
	if st.Endgame {
		sw.a("[endgame]")
	}
	sw.nl()
	sw.f("  Rates: %s/s down, %s/s up", humanize.IBytes(uint64(st.DownloadRate)), humanize.IBytes(uint64(st.UploadRate)))
	sw.nl()
	sw.f(
		"  Peers: %d pending, %d half-open, %d active (%d seeders, %d unchoked), %d banned",
		st.PendingPeers, st.HalfOpenPeers, st.ActivePeers, st.ConnectedSeeders, st.UnchokedPeers, st.Banned,
	)
	sw.nl()
	sw.f("  Data: %s read (%s useful), %s written",
		humanize.IBytes(uint64(st.BytesReadData.Int64())),
		humanize.IBytes(uint64(st.BytesReadUsefulData.Int64())),
		humanize.IBytes(uint64(st.BytesWrittenData.Int64())),
	)
	sw.nl()
	sw.f("  Pieces dirtied: %d good, %d bad", st.PiecesDirtiedGood.Int64(), st.PiecesDirtiedBad.Int64())
	sw.nl()
	if err := t.Err(); err != nil {
		sw.f("  Error: %v", err)
		sw.nl()
	}
}
