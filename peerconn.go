package torrent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/kestrel-bt/torrent/diskio"
	"github.com/kestrel-bt/torrent/layout"
	pp "github.com/kestrel-bt/torrent/peer_protocol"
	"github.com/kestrel-bt/torrent/picker"
)

type PeerConnState int

const (
	PeerConnConnecting PeerConnState = iota
	PeerConnHandshaking
	PeerConnEstablished
	PeerConnClosing
	PeerConnClosed
)

func (s PeerConnState) String() string {
	switch s {
	case PeerConnConnecting:
		return "connecting"
	case PeerConnHandshaking:
		return "handshaking"
	case PeerConnEstablished:
		return "established"
	case PeerConnClosing:
		return "closing"
	case PeerConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("PeerConnState(%d)", int(s))
	}
}

func (s PeerConnState) canTransitionTo(to PeerConnState) bool {
	switch s {
	case PeerConnConnecting:
		return to == PeerConnHandshaking || to == PeerConnClosing
	case PeerConnHandshaking:
		return to == PeerConnEstablished || to == PeerConnClosing
	case PeerConnEstablished:
		return to == PeerConnClosing
	case PeerConnClosing:
		return to == PeerConnClosed
	}
	return false
}

// Upload reads in flight at once for a single peer.
const maxUploadsInFlight = 4

type peerRequestState struct {
	inFlight bool
}

// Maintains the state of a BitTorrent-protocol based connection with a peer. Everything except the
// reader and writer goroutines is owned by the torrent's event loop.
type PeerConn struct {
	t          *Torrent
	key        picker.PeerKey
	logger     log.Logger
	RemoteAddr netip.AddrPort
	outgoing   bool
	source     PeerSourceName
	trusted    bool

	// Set once the TCP connection exists.
	conn              net.Conn
	PeerID            PeerID
	PeerExtensionBits pp.PeerExtensionBits

	state    PeerConnState
	closed   chansync.SetOnce
	closeErr error
	// Set once established.
	messageWriter *peerConnMsgWriter

	// Stuff controlled by the local peer.
	amInterested bool
	amChoking    bool
	// Stuff controlled by the remote peer.
	peerInterested bool
	peerChoking    bool
	// A bitfield is only allowed as the first message.
	gotMessage bool
	// The request ledger: blocks we've asked the peer for, and when.
	requests map[layout.Block]time.Time
	// The peer's requests we intend to serve, in arrival order. Cancelled requests are removed from
	// the map and skipped when they reach the front of the queue.
	peerRequests     map[pp.RequestSpec]*peerRequestState
	peerRequestQueue []pp.RequestSpec
	uploadsInFlight  int

	stats        ConnStats
	downloadRate rateMeter
	uploadRate   rateMeter
	completedAt  time.Time
	// Requests timed out since the last useful block.
	snubbed bool
}

func (t *Torrent) newPeerConn(p PeerInfo, outgoing bool) *PeerConn {
	t.nextPeerKey++
	c := &PeerConn{
		t:            t,
		key:          t.nextPeerKey,
		RemoteAddr:   p.Addr,
		outgoing:     outgoing,
		source:       p.Source,
		trusted:      p.Trusted,
		amChoking:    true,
		peerChoking:  true,
		requests:     make(map[layout.Block]time.Time),
		peerRequests: make(map[pp.RequestSpec]*peerRequestState),
	}
	c.logger = t.logger.WithContextValue(c).WithDefaultLevel(log.Debug)
	connsMetric.WithLabelValues(c.state.String()).Inc()
	return c
}

func (c *PeerConn) String() string {
	return fmt.Sprintf("%v %v", c.RemoteAddr, c.state)
}

func (c *PeerConn) setState(to PeerConnState) {
	panicif.False(c.state.canTransitionTo(to))
	c.logger.Levelf(log.Debug, "%v -> %v", c.state, to)
	connsMetric.WithLabelValues(c.state.String()).Dec()
	if to != PeerConnClosed {
		connsMetric.WithLabelValues(to.String()).Inc()
	}
	c.state = to
}

func (c *PeerConn) established() bool {
	return c.state == PeerConnEstablished
}

func (c *PeerConn) write(msg pp.Message) bool {
	allStats(func(cs *ConnStats) { cs.wroteMsg(msg) }, &c.stats, &c.t.stats)
	return c.messageWriter.write(msg)
}

// Begins message exchange over a connection that has completed its handshake.
func (c *PeerConn) establish(nc net.Conn, res pp.HandshakeResult) {
	c.setState(PeerConnEstablished)
	c.conn = nc
	c.PeerID = res.PeerID
	c.PeerExtensionBits = res.PeerExtensionBits
	c.completedAt = time.Now()
	rw := connStatsReadWriter{nc, [2]*ConnStats{&c.stats, &c.t.stats}}
	c.messageWriter = newPeerConnMsgWriter(rw, &c.closed, c.logger)
	go c.writeLoop()
	go c.readLoop(rw)
}

func (c *PeerConn) writeLoop() {
	err := c.messageWriter.run(c.t.config.KeepAliveInterval)
	if err != nil {
		c.t.post(connClosedEvent{c, errors.Wrap(err, "writing")})
	}
}

func (c *PeerConn) readLoop(r io.Reader) {
	err := c.mainReadLoop(r)
	if c.closed.IsSet() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	c.t.post(connClosedEvent{c, errors.Wrap(err, "reading")})
}

// Decodes messages and hands them to the event loop. Blocks while the loop is busy, which stops
// reading from the socket.
func (c *PeerConn) mainReadLoop(r io.Reader) error {
	t := c.t
	decoder := pp.Decoder{
		R:         bufio.NewReaderSize(r, 1<<16),
		MaxLength: maxMessageLength,
		Pool:      &t.chunkPool,
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(t.config.PeerIdleTimeout))
		msg, err := decoder.Decode()
		if err != nil {
			if errors.Is(err, pp.ErrUnknownMessageType) || errors.Is(err, pp.ErrBadMessageLength) || errors.Is(err, pp.ErrMessageTooLong) {
				err = errors.Wrap(ErrProtocolViolation, err.Error())
			}
			return err
		}
		allStats(func(cs *ConnStats) { cs.readMsg(msg) }, &c.stats, &t.stats)
		if m, ok := msg.(pp.Piece); ok {
			if err := waitLimiter(t.ctx, t.config.DownloadRateLimiter, len(m.Block)); err != nil {
				return err
			}
		}
		if !t.post(connMessageEvent{c, msg}) {
			return nil
		}
	}
}

func waitLimiter(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	return l.WaitN(ctx, min(n, l.Burst()))
}

// Starts the connection's shutdown. Safe to call in any state. Outstanding requests go back to
// the picker.
func (c *PeerConn) close(err error) {
	if c.state >= PeerConnClosing {
		return
	}
	t := c.t
	wasEstablished := c.established()
	c.setState(PeerConnClosing)
	c.closeErr = err
	c.closed.Set()
	if c.conn != nil {
		c.conn.Close()
	}
	if t.picker.RemovePeer(c.key) != 0 {
		t.requestsDirty = true
	}
	clear(c.requests)
	clear(c.peerRequests)
	c.peerRequestQueue = nil
	t.deleteConn(c)
	c.setState(PeerConnClosed)
	if isConnLocalError(err) || errors.Is(err, ErrTorrentClosed) || errors.Is(err, ErrTorrentPaused) {
		c.logger.Levelf(log.Debug, "closed: %v", err)
	} else {
		c.logger.Levelf(log.Info, "closed: %v", err)
	}
	if wasEstablished {
		t.alert(PeerDisconnectedAlert{Addr: c.RemoteAddr, Err: err})
	}
}

func (c *PeerConn) setInterested(interested bool) {
	if c.amInterested == interested {
		return
	}
	c.amInterested = interested
	if interested {
		c.write(pp.Interested{})
	} else {
		c.write(pp.NotInterested{})
	}
}

func (c *PeerConn) choke() {
	if c.amChoking {
		return
	}
	c.amChoking = true
	c.write(pp.Choke{})
	// Choking discards the peer's pending requests. Reads in flight are dropped on arrival.
	clear(c.peerRequests)
	c.peerRequestQueue = nil
}

func (c *PeerConn) unchoke() {
	if !c.amChoking {
		return
	}
	c.amChoking = false
	c.write(pp.Unchoke{})
}

// Sends requests for blocks the picker assigns, up to the pipeline depth, and maintains our
// interest in the peer.
func (c *PeerConn) updateRequests() {
	t := c.t
	if !c.established() {
		return
	}
	if !t.wantBlocks() {
		c.setInterested(false)
		return
	}
	c.setInterested(t.picker.Interesting(c.key))
	if !c.amInterested || c.peerChoking {
		return
	}
	limit := t.config.MaxRequestsPerPeer - len(c.requests)
	if c.snubbed {
		limit = min(limit, 1)
	}
	now := time.Now()
	for _, b := range t.picker.PickBlocks(c.key, limit) {
		c.requests[b] = now
		c.write(pp.Request{
			Index:  pp.Integer(b.Piece),
			Begin:  pp.Integer(b.Begin),
			Length: pp.Integer(b.Length),
		})
	}
}

// Withdraws an outstanding request, telling the peer.
func (c *PeerConn) cancel(b layout.Block) {
	if _, ok := c.requests[b]; !ok {
		return
	}
	delete(c.requests, b)
	c.t.picker.CancelRequest(c.key, b)
	c.write(pp.Cancel{
		Index:  pp.Integer(b.Piece),
		Begin:  pp.Integer(b.Begin),
		Length: pp.Integer(b.Length),
	})
}

// Cancels requests that have gone unanswered too long, so other peers can be asked.
func (c *PeerConn) expireRequests(now time.Time) {
	for b, sent := range c.requests {
		if now.Sub(sent) < c.t.config.RequestTimeout {
			continue
		}
		requestsTimedOut.Add(1)
		c.logger.Levelf(log.Debug, "request for %v timed out", b)
		c.cancel(b)
		c.snubbed = true
		c.t.requestsDirty = true
	}
}

// Handles a message from the reader goroutine. An error closes the connection.
func (c *PeerConn) onMessage(msg pp.Message) error {
	t := c.t
	first := !c.gotMessage
	if _, ok := msg.(pp.KeepAlive); !ok {
		c.gotMessage = true
	}
	switch m := msg.(type) {
	case pp.KeepAlive:
		receivedKeepalives.Add(1)
	case pp.Choke:
		c.peerChoking = true
		// Without the fast extension, a choke discards everything we asked for.
		for b := range c.requests {
			t.picker.CancelRequest(c.key, b)
		}
		if len(c.requests) != 0 {
			clear(c.requests)
			t.requestsDirty = true
		}
	case pp.Unchoke:
		c.peerChoking = false
		c.updateRequests()
	case pp.Interested:
		c.peerInterested = true
		t.unchokeIfSlotFree(c)
	case pp.NotInterested:
		c.peerInterested = false
	case pp.Have:
		piece := m.Index.Int()
		if piece >= t.layout.NumPieces() {
			return protocolError("have for piece %d of %d", piece, t.layout.NumPieces())
		}
		if t.picker.PeerHave(c.key, piece) {
			c.updateRequests()
		}
	case pp.Bitfield:
		if !first {
			return protocolError("bitfield after other messages")
		}
		if err := m.Validate(t.layout.NumPieces()); err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		var have roaring.Bitmap
		have.AddMany(m.Pieces(t.layout.NumPieces()))
		if t.picker.PeerBitfield(c.key, &have) {
			c.updateRequests()
		}
	case pp.Request:
		return c.onPeerRequest(pp.RequestSpec(m))
	case pp.Cancel:
		c.onPeerCancel(pp.RequestSpec(m))
	case pp.Piece:
		defer t.putChunkBuffer(m.Block)
		return c.receiveBlock(m)
	default:
		panic(fmt.Sprintf("unhandled message %T", msg))
	}
	return nil
}

func (c *PeerConn) receiveBlock(m pp.Piece) error {
	t := c.t
	b := layout.Block{
		Piece:  m.Index.Uint32(),
		Begin:  m.Begin.Uint32(),
		Length: uint32(len(m.Block)),
	}
	if !t.layout.ValidRange(b.Piece, b.Begin, b.Length) {
		return protocolError("piece message for %v out of bounds", b)
	}
	chunksReceived.Add(1)
	if _, ok := c.requests[b]; ok {
		delete(c.requests, b)
	} else {
		unexpectedChunksReceived.Add(1)
	}
	out := t.picker.BlockReceived(c.key, b, m.Block)
	useful := out.Kind == picker.StillPartial || out.Kind == picker.VerifiedAndPersist || out.Kind == picker.Corrupt
	allStats(func(cs *ConnStats) { cs.receivedChunk(int64(b.Length), useful) }, &c.stats, &t.stats)
	if useful {
		c.snubbed = false
		bytesDownloadedMetric.Add(float64(b.Length))
	} else {
		wastedChunksReceived.Add(1)
	}
	for _, cancel := range out.Cancels {
		other, ok := t.connsByKey[cancel.Peer]
		if !ok {
			continue
		}
		if _, ok := other.requests[cancel.Block]; ok {
			delete(other.requests, cancel.Block)
			other.write(pp.Cancel{
				Index:  pp.Integer(cancel.Block.Piece),
				Begin:  pp.Integer(cancel.Block.Begin),
				Length: pp.Integer(cancel.Block.Length),
			})
		}
		t.requestsDirty = true
	}
	switch out.Kind {
	case picker.VerifiedAndPersist:
		t.pieceHashed(out)
	case picker.Corrupt:
		t.pieceCorrupt(out)
	}
	c.updateRequests()
	return nil
}

func (c *PeerConn) onPeerRequest(r pp.RequestSpec) error {
	t := c.t
	if r.Length.Int() > maxRequestLength || r.Length == 0 {
		return protocolError("request %v has bad length", r)
	}
	if !t.layout.ValidRange(r.Index.Uint32(), r.Begin.Uint32(), r.Length.Uint32()) {
		return protocolError("request %v out of bounds", r)
	}
	drop := func(reason string) error {
		droppedPeerRequests.Add(reason, 1)
		c.logger.Levelf(log.Debug, "dropping request %v: %s", r, reason)
		return nil
	}
	switch {
	case t.config.NoUpload:
		return drop("no upload")
	case c.amChoking:
		return drop("choked")
	case !c.peerInterested:
		return drop("not interested")
	case !t.picker.Verified(r.Index.Int()):
		return drop("don't have")
	case len(c.peerRequests) >= t.config.MaxRemoteRequests:
		return drop("too many")
	}
	if _, ok := c.peerRequests[r]; ok {
		return drop("duplicate")
	}
	c.peerRequests[r] = &peerRequestState{}
	c.peerRequestQueue = append(c.peerRequestQueue, r)
	c.serviceUploads()
	return nil
}

func (c *PeerConn) onPeerCancel(r pp.RequestSpec) {
	if _, ok := c.peerRequests[r]; !ok {
		unexpectedCancels.Add(1)
		return
	}
	delete(c.peerRequests, r)
}

// Starts disk reads for queued peer requests, within the in-flight limit and while the outgoing
// buffer has room. Called again as reads complete and on each tick.
func (c *PeerConn) serviceUploads() {
	t := c.t
	for c.established() && c.uploadsInFlight < maxUploadsInFlight && len(c.peerRequestQueue) != 0 {
		if c.messageWriter.full() {
			return
		}
		r := c.peerRequestQueue[0]
		st, ok := c.peerRequests[r]
		if !ok || st.inFlight {
			c.peerRequestQueue = c.peerRequestQueue[1:]
			continue
		}
		done, err := t.disk.TrySubmitRead(r.Index.Int(), r.Begin.Int(), r.Length.Int())
		if errors.Is(err, diskio.ErrQueueFull) {
			diskQueueFullRetries.Add(1)
			return
		}
		c.peerRequestQueue = c.peerRequestQueue[1:]
		if err != nil {
			c.logger.Levelf(log.Debug, "can't read %v: %v", r, err)
			delete(c.peerRequests, r)
			continue
		}
		st.inFlight = true
		c.uploadsInFlight++
		t.readWaiter(c, r, done)
	}
}

// Sends the data for a peer request once it's been read.
func (c *PeerConn) onUploadRead(r pp.RequestSpec, res diskio.ReadResult) {
	c.uploadsInFlight--
	_, wanted := c.peerRequests[r]
	delete(c.peerRequests, r)
	if !c.established() {
		return
	}
	switch {
	case res.Err != nil:
		c.logger.Levelf(log.Debug, "reading %v for upload: %v", r, res.Err)
	case wanted && !c.amChoking:
		c.write(pp.Piece{
			Index: r.Index,
			Begin: r.Begin,
			Block: res.Data,
		})
		uploadChunksPosted.Add(1)
		bytesUploadedMetric.Add(float64(len(res.Data)))
	}
	c.serviceUploads()
}

func (c *PeerConn) sampleRates(now time.Time) {
	c.downloadRate.sample(now, c.stats.BytesReadUsefulData.Int64())
	c.uploadRate.sample(now, c.stats.BytesWrittenData.Int64())
}
