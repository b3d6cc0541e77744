package torrent

import (
	"io"

	pp "github.com/kestrel-bt/torrent/peer_protocol"
)

// Various connection-level metrics. At the Torrent level these are aggregates. Chunks are messages
// with data payloads. Data is actual torrent content without any overhead. Useful is something we
// needed locally. Wasted is data we already had or never asked for. Written is things sent to the
// peer, and Read is stuff received from them.
type ConnStats struct {
	// Total bytes on the wire, including handshakes.
	BytesWritten     Count
	BytesWrittenData Count

	BytesRead           Count
	BytesReadData       Count
	BytesReadUsefulData Count

	ChunksWritten Count

	ChunksRead       Count
	ChunksReadUseful Count
	ChunksReadWasted Count

	// Number of pieces data was received for, that subsequently passed verification.
	PiecesDirtiedGood Count
	// Number of pieces data was received for, that subsequently failed verification. A connection
	// may not have been the sole dirtier of a piece.
	PiecesDirtiedBad Count
}

func (me *ConnStats) Copy() (ret ConnStats) {
	return copyCountFields(me)
}

func (me *ConnStats) wroteMsg(msg pp.Message) {
	switch m := msg.(type) {
	case pp.Piece:
		me.ChunksWritten.Add(1)
		me.BytesWrittenData.Add(int64(len(m.Block)))
	}
}

func (me *ConnStats) readMsg(msg pp.Message) {
	switch m := msg.(type) {
	case pp.Piece:
		me.ChunksRead.Add(1)
		me.BytesReadData.Add(int64(len(m.Block)))
	}
}

func (me *ConnStats) receivedChunk(size int64, useful bool) {
	if useful {
		me.ChunksReadUseful.Add(1)
		me.BytesReadUsefulData.Add(size)
	} else {
		me.ChunksReadWasted.Add(1)
	}
}

// Applies f to each of the given stats, such as a connection's and its torrent's.
func allStats(f func(*ConnStats), stats ...*ConnStats) {
	for _, s := range stats {
		f(s)
	}
}

type connStatsReadWriter struct {
	rw io.ReadWriter
	// Connection then torrent.
	stats [2]*ConnStats
}

func (me connStatsReadWriter) Write(b []byte) (n int, err error) {
	n, err = me.rw.Write(b)
	for _, s := range me.stats {
		s.BytesWritten.Add(int64(n))
	}
	return
}

func (me connStatsReadWriter) Read(b []byte) (n int, err error) {
	n, err = me.rw.Read(b)
	for _, s := range me.stats {
		s.BytesRead.Add(int64(n))
	}
	return
}
