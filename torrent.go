package torrent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/kestrel-bt/torrent/diskio"
	"github.com/kestrel-bt/torrent/layout"
	pp "github.com/kestrel-bt/torrent/peer_protocol"
	"github.com/kestrel-bt/torrent/picker"
	"github.com/kestrel-bt/torrent/storage"
)

const (
	tickInterval = time.Second
	// Dial candidates kept beyond this are discarded, worst first.
	peersHighWater = 500
	// Sources are asked for peers early at most this often.
	minReannounceInterval  = 30 * time.Second
	stoppedAnnounceTimeout = 5 * time.Second
)

// Maintains state of torrent within a Client. Most state is owned by a single event loop
// goroutine; exported methods are safe for concurrent use.
type Torrent struct {
	cl       *Client
	config   *Config
	logger   log.Logger
	infoHash [20]byte
	name     string
	layout   *layout.Layout
	// Re-hash everything in storage at startup rather than trusting piece completion.
	verifyData bool

	disk       *diskio.Scheduler
	completion storage.PieceCompletion
	sources    []PeerSource

	ctx    context.Context
	cancel context.CancelCauseFunc
	events chan event
	// Set when the loop should stop.
	closing chansync.SetOnce
	// Set once everything is shut down.
	closed    chansync.SetOnce
	closeErr  error
	complete  chansync.SetOnce
	checked   chansync.SetOnce
	wantPeers chansync.BroadcastCond
	// Goroutines that post to the loop, which must finish before storage is released.
	waiters   sync.WaitGroup
	chunkPool sync.Pool
	alerts    chan Alert

	errMu sync.Mutex
	err   error

	// Aggregated over all connections. Updated atomically.
	stats     ConnStats
	bytesLeft atomic.Int64

	// Owned by the loop from here.
	picker      *picker.Picker
	conns       map[*PeerConn]struct{}
	connsByKey  map[picker.PeerKey]*PeerConn
	nextPeerKey picker.PeerKey
	// Addresses of peers that supplied data, for corruption strikes after they disconnect.
	keyAddrs   map[picker.PeerKey]netip.AddrPort
	peers      prioritizedPeers
	halfOpen   *semaphore.Weighted
	banned     map[netip.Addr]struct{}
	strikes    map[netip.Addr]int
	selfAddrs  map[netip.AddrPort]struct{}
	optimistic g.Option[picker.PeerKey]
	rand       *rand.Rand

	started  bool
	paused   bool
	checking int
	// Set when requests were released, so every connection should top up its pipeline.
	requestsDirty  bool
	stalledAlerted bool
	downloadRate   rateMeter
	uploadRate     rateMeter
	sourcesCancel  context.CancelFunc
	finalStats     TorrentStats
}

func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

func (t *Torrent) Name() string {
	return t.name
}

func (t *Torrent) Layout() *layout.Layout {
	return t.layout
}

func (t *Torrent) String() string {
	if t.name != "" {
		return t.name
	}
	return fmt.Sprintf("%x", t.infoHash)
}

// Fires once every piece is verified and persisted.
func (t *Torrent) Complete() <-chan struct{} {
	return t.complete.Done()
}

// Fires once data already in storage has been checked. Complete has fired by then if there was
// nothing left to download.
func (t *Torrent) Checked() <-chan struct{} {
	return t.checked.Done()
}

func (t *Torrent) IsComplete() bool {
	return t.complete.IsSet()
}

// Fires once the torrent has shut down, whether by Close or a fatal error.
func (t *Torrent) Closed() <-chan struct{} {
	return t.closed.Done()
}

// The error that stopped the torrent, if any.
func (t *Torrent) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Torrent) Alerts() <-chan Alert {
	return t.alerts
}

// Starts connecting to peers. Pieces already on disk are checked first either way.
func (t *Torrent) Start() error {
	return t.do(t.start)
}

// Closes all connections and stops looking for peers. Progress is kept.
func (t *Torrent) Pause() error {
	return t.do(t.pause)
}

func (t *Torrent) Resume() error {
	return t.do(t.start)
}

func (t *Torrent) Stats() (ret TorrentStats) {
	if t.do(func() { ret = t.statsLocked() }) != nil {
		<-t.closed.Done()
		return t.finalStats
	}
	return
}

// Stops the torrent. Queued piece writes are completed before storage is closed.
func (t *Torrent) Close() error {
	t.closing.Set()
	t.cancel(ErrTorrentClosed)
	<-t.closed.Done()
	return t.closeErr
}

// Runs f in the event loop and waits for it.
func (t *Torrent) do(f func()) error {
	done := make(chan struct{})
	if !t.post(commandEvent{f, done}) {
		return ErrTorrentClosed
	}
	select {
	case <-done:
		return nil
	case <-t.closing.Done():
		return ErrTorrentClosed
	}
}

// Delivers an event to the loop, giving up if the torrent is closing.
func (t *Torrent) post(ev event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.closing.Done():
		return false
	}
}

func (t *Torrent) goWaiter(f func()) {
	t.waiters.Add(1)
	go func() {
		defer t.waiters.Done()
		f()
	}()
}

func (t *Torrent) alert(a Alert) {
	select {
	case t.alerts <- a:
	default:
		alertsDropped.Add(1)
	}
}

func (t *Torrent) putChunkBuffer(b []byte) {
	if cap(b) < layout.BlockSize {
		return
	}
	b = b[:cap(b)]
	t.chunkPool.Put(&b)
}

func (t *Torrent) run() {
	defer t.shutdown()
	chokeTicker := time.NewTicker(t.config.ChokeInterval)
	defer chokeTicker.Stop()
	optimisticTicker := time.NewTicker(t.config.OptimisticUnchokeInterval)
	defer optimisticTicker.Stop()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	t.startChecking()
	for {
		select {
		case ev := <-t.events:
			t.handleEvent(ev)
		case <-chokeTicker.C:
			t.rechoke(false)
		case <-optimisticTicker.C:
			t.rechoke(true)
		case now := <-ticker.C:
			t.tick(now)
		case <-t.closing.Done():
			return
		}
		if t.requestsDirty {
			t.requestsDirty = false
			t.updateAllRequests()
		}
	}
}

func (t *Torrent) shutdown() {
	t.closing.Set()
	t.cancel(ErrTorrentClosed)
	t.stopSources()
	for c := range t.conns {
		c.close(ErrTorrentClosed)
	}
	t.peers.Clear()
	t.finalStats = t.statsLocked()
	t.closeErr = t.disk.Close()
	t.waiters.Wait()
	t.finalStats.State = TorrentClosed
	if t.Err() != nil {
		t.finalStats.State = TorrentFailed
	}
	t.cl.torrentClosed(t)
	t.logger.Levelf(log.Debug, "closed")
	t.closed.Set()
}

// Fatal error. The torrent closes.
func (t *Torrent) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.logger.Levelf(log.Error, "torrent failed: %v", err)
	t.alert(StorageFailedAlert{Err: err})
	t.closing.Set()
}

func (t *Torrent) start() {
	if t.started && !t.paused {
		return
	}
	t.started = true
	t.paused = false
	t.startSources()
	t.openNewConns()
}

func (t *Torrent) pause() {
	if !t.started || t.paused {
		return
	}
	t.paused = true
	t.stopSources()
	for c := range t.conns {
		c.close(ErrTorrentPaused)
	}
	t.peers.Clear()
}

func (t *Torrent) active() bool {
	return t.started && !t.paused && !t.closing.IsSet()
}

// Whether connections should be requesting blocks.
func (t *Torrent) wantBlocks() bool {
	return t.active() && t.checking == 0 && !t.picker.Complete()
}

func (t *Torrent) uploadAllowed() bool {
	return !t.config.NoUpload && (t.config.Seed || !t.picker.Complete())
}

func (t *Torrent) addConn(c *PeerConn) {
	t.conns[c] = struct{}{}
	t.connsByKey[c.key] = c
	t.keyAddrs[c.key] = c.RemoteAddr
}

func (t *Torrent) deleteConn(c *PeerConn) {
	delete(t.conns, c)
	delete(t.connsByKey, c.key)
	if !t.picker.Contributed(c.key) {
		delete(t.keyAddrs, c.key)
	}
	if t.optimistic.Ok && t.optimistic.Value == c.key {
		t.optimistic = g.None[picker.PeerKey]()
	}
}

func (t *Torrent) numEstablished() (n int) {
	for c := range t.conns {
		if c.established() {
			n++
		}
	}
	return
}

func (t *Torrent) addrConnected(addr netip.AddrPort) bool {
	for c := range t.conns {
		if c.RemoteAddr == addr {
			return true
		}
	}
	return false
}

func (t *Torrent) updateAllRequests() {
	for c := range t.conns {
		c.updateRequests()
	}
}

func (t *Torrent) tick(now time.Time) {
	t.downloadRate.sample(now, t.stats.BytesReadUsefulData.Int64())
	t.uploadRate.sample(now, t.stats.BytesWrittenData.Int64())
	for c := range t.conns {
		if !c.established() {
			continue
		}
		c.sampleRates(now)
		c.expireRequests(now)
		c.serviceUploads()
	}
	t.openNewConns()
	t.checkStalled()
	if t.active() && t.numEstablished() < t.config.MinPeers {
		t.wantPeers.Broadcast()
	}
}

func (t *Torrent) checkStalled() {
	stalled := t.wantBlocks() && t.picker.Stalled()
	if !stalled {
		t.stalledAlerted = false
		return
	}
	if t.stalledAlerted {
		return
	}
	t.stalledAlerted = true
	t.logger.Levelf(log.Info, "stalled: no peer has any of the %d pieces remaining", t.picker.Remaining())
	t.alert(StalledAlert{Remaining: t.picker.Remaining()})
	t.wantPeers.Broadcast()
}

// Decides who gets upload slots.
func (t *Torrent) rechoke(rotate bool) {
	if !t.uploadAllowed() {
		for c := range t.conns {
			if c.established() {
				c.choke()
			}
		}
		return
	}
	seeding := t.picker.Complete()
	var cands []chokeCandidate
	for c := range t.conns {
		if !c.established() {
			continue
		}
		rate := c.downloadRate.Rate()
		if seeding {
			rate = c.uploadRate.Rate()
		}
		cands = append(cands, chokeCandidate{
			Key:        c.key,
			Interested: c.peerInterested,
			Rate:       rate,
		})
	}
	unchoke, opt := chooseUnchokes(cands, t.config.UploadSlots, t.optimistic, rotate, t.rand)
	t.optimistic = opt
	set := make(map[picker.PeerKey]struct{}, len(unchoke))
	for _, k := range unchoke {
		set[k] = struct{}{}
	}
	for c := range t.conns {
		if !c.established() {
			continue
		}
		if _, ok := set[c.key]; ok {
			c.unchoke()
		} else {
			c.choke()
		}
	}
}

// Gives a newly interested peer a slot straight away if one is free, rather than making it wait
// for the next choke round.
func (t *Torrent) unchokeIfSlotFree(c *PeerConn) {
	if !c.amChoking || !t.uploadAllowed() {
		return
	}
	unchoked := 0
	for o := range t.conns {
		if o.established() && !o.amChoking {
			unchoked++
		}
	}
	if unchoked < t.config.UploadSlots {
		c.unchoke()
	}
}

func (t *Torrent) bitfield() []bool {
	ret := make([]bool, t.layout.NumPieces())
	t.picker.VerifiedBitmap().Iterate(func(x uint32) bool {
		ret[x] = true
		return true
	})
	return ret
}

// Tells peers about a newly verified piece.
func (t *Torrent) announcePiece(piece int) {
	t.bytesLeft.Add(-t.layout.PieceLength(piece))
	for c := range t.conns {
		if !c.established() {
			continue
		}
		if !t.picker.PeerHas(c.key, piece) {
			c.write(pp.Have{Index: pp.Integer(piece)})
		}
		c.updateRequests()
	}
}

func (t *Torrent) onComplete() {
	if t.complete.IsSet() {
		return
	}
	t.complete.Set()
	t.logger.Levelf(log.Info, "complete")
	t.alert(TorrentCompleteAlert{})
	for c := range t.conns {
		if !c.established() {
			continue
		}
		for b := range c.requests {
			c.cancel(b)
		}
		c.setInterested(false)
	}
	if !t.uploadAllowed() {
		t.rechoke(false)
	}
	// Trackers want to hear about completion.
	t.wantPeers.Broadcast()
}

// Hands a verified piece to the disk scheduler. It counts as verified once written.
func (t *Torrent) persistPiece(piece int, data []byte) {
	done, err := t.disk.TrySubmitWrite(piece, data)
	if errors.Is(err, diskio.ErrQueueFull) {
		diskQueueFullRetries.Add(1)
		t.logger.Levelf(log.Debug, "disk queue full, waiting to write piece %d", piece)
		done, err = t.disk.SubmitWrite(t.ctx, piece, data)
	}
	if err != nil {
		if t.ctx.Err() != nil || errors.Is(err, diskio.ErrClosed) {
			return
		}
		t.picker.PieceWriteFailed(piece)
		t.fail(errors.Wrapf(err, "queueing write of piece %d", piece))
		return
	}
	pk := storage.PieceKey{InfoHash: t.infoHash, Index: piece}
	t.goWaiter(func() {
		err := <-done
		if err == nil {
			// Recorded here so it isn't lost if the loop stops before seeing the event.
			if err := t.completion.Set(pk, true); err != nil {
				t.logger.Levelf(log.Warning, "marking piece %d complete: %v", piece, err)
			}
		}
		t.post(pieceWrittenEvent{piece, err})
	})
}

func (t *Torrent) pieceHashed(out picker.Outcome) {
	pieceHashedCorrect.Add(1)
	for _, k := range out.Contributors {
		if c, ok := t.connsByKey[k]; ok {
			allStats(func(cs *ConnStats) { cs.PiecesDirtiedGood.Add(1) }, &c.stats, &t.stats)
		}
	}
	t.forgetContributors(out.Contributors)
	t.persistPiece(out.Piece, out.Data)
}

// Drops the addresses of departed peers once no piece being assembled has their blocks.
func (t *Torrent) forgetContributors(keys []picker.PeerKey) {
	for _, k := range keys {
		if _, ok := t.connsByKey[k]; ok {
			continue
		}
		if !t.picker.Contributed(k) {
			delete(t.keyAddrs, k)
		}
	}
}

func (t *Torrent) onPieceWritten(piece int, err error) {
	if err != nil {
		t.picker.PieceWriteFailed(piece)
		t.fail(err)
		return
	}
	if !t.picker.PieceWritten(piece) {
		return
	}
	piecesVerifiedMetric.Inc()
	t.announcePiece(piece)
	t.alert(PieceCompletedAlert{Piece: piece})
	if t.picker.Complete() {
		t.onComplete()
	}
}

func (t *Torrent) piecesToCheck() (ret []int) {
	for i := range t.layout.NumPieces() {
		if t.verifyData {
			ret = append(ret, i)
			continue
		}
		c, err := t.completion.Get(storage.PieceKey{InfoHash: t.infoHash, Index: i})
		if err != nil {
			t.logger.Levelf(log.Warning, "getting completion for piece %d: %v", i, err)
			continue
		}
		if c.Ok && c.Complete {
			ret = append(ret, i)
		}
	}
	return
}

// Re-hashes pieces believed to be on disk already. No blocks are requested until it's done.
func (t *Torrent) startChecking() {
	pieces := t.piecesToCheck()
	t.checking = len(pieces)
	if t.checking == 0 {
		t.onCheckingDone()
		return
	}
	t.logger.Levelf(log.Debug, "checking %d pieces", len(pieces))
	t.goWaiter(func() {
		for _, i := range pieces {
			done, err := t.disk.SubmitVerify(t.ctx, i)
			if err != nil {
				if !t.post(pieceCheckedEvent{i, err}) {
					return
				}
				continue
			}
			t.goWaiter(func() {
				t.post(pieceCheckedEvent{i, <-done})
			})
		}
	})
}

func (t *Torrent) onPieceChecked(piece int, err error) {
	t.checking--
	if err == nil {
		if !t.picker.Verified(piece) {
			t.picker.MarkVerified(piece)
			t.announcePiece(piece)
		}
	} else {
		t.logger.Levelf(log.Debug, "piece %d failed check: %v", piece, err)
		if err := t.completion.Set(storage.PieceKey{InfoHash: t.infoHash, Index: piece}, false); err != nil {
			t.logger.Levelf(log.Warning, "clearing completion for piece %d: %v", piece, err)
		}
	}
	if t.checking == 0 {
		t.onCheckingDone()
	}
}

func (t *Torrent) onCheckingDone() {
	t.logger.Levelf(log.Debug, "%d/%d pieces verified from storage", t.picker.NumVerified(), t.layout.NumPieces())
	if t.picker.Complete() {
		t.onComplete()
	}
	t.checked.Set()
	t.requestsDirty = true
}

func (t *Torrent) addPeers(peers []PeerInfo) {
	for _, p := range peers {
		if !p.Addr.IsValid() || p.Addr.Port() == 0 {
			continue
		}
		if _, ok := t.banned[p.Addr.Addr()]; ok {
			continue
		}
		if _, ok := t.selfAddrs[p.Addr]; ok {
			continue
		}
		t.peers.Add(p)
		peersAddedBySource.Add(string(p.Source), 1)
	}
	for t.peers.Len() > peersHighWater {
		t.peers.DeleteMin()
	}
	t.openNewConns()
}

func (t *Torrent) openNewConns() {
	if !t.active() {
		return
	}
	for t.peers.Len() != 0 && len(t.conns) < t.config.EstablishedConnsPerTorrent {
		if !t.halfOpen.TryAcquire(1) {
			return
		}
		if !t.config.DialRateLimiter.Allow() {
			t.halfOpen.Release(1)
			return
		}
		p := t.peers.PopMax()
		if t.addrConnected(p.Addr) {
			t.halfOpen.Release(1)
			continue
		}
		t.dial(p)
	}
}

func (t *Torrent) dial(p PeerInfo) {
	c := t.newPeerConn(p, true)
	t.addConn(c)
	t.goWaiter(func() {
		defer t.halfOpen.Release(1)
		nc, res, err := t.dialAndHandshake(c)
		if !t.post(handshakeDoneEvent{c, nc, res, err}) && nc != nil {
			nc.Close()
		}
	})
}

func (t *Torrent) dialAndHandshake(c *PeerConn) (nc net.Conn, res pp.HandshakeResult, err error) {
	dialCtx, cancel := context.WithTimeout(t.ctx, t.config.NominalDialTimeout)
	defer cancel()
	var d net.Dialer
	nc, err = d.DialContext(dialCtx, "tcp", c.RemoteAddr.String())
	if err != nil {
		unsuccessfulDials.Add(1)
		return
	}
	successfulDials.Add(1)
	if !t.post(dialConnectedEvent{c}) {
		nc.Close()
		return nil, res, ErrTorrentClosed
	}
	hsCtx, cancel := context.WithTimeout(t.ctx, t.config.HandshakeTimeout)
	defer cancel()
	res, err = pp.Handshake(hsCtx, nc, &t.infoHash, t.cl.peerID, t.cl.extensionBits)
	if err != nil {
		nc.Close()
		return nil, res, errors.Wrap(err, "handshaking")
	}
	nc.SetDeadline(time.Time{})
	return
}

func (t *Torrent) checkHandshake(addr netip.AddrPort, res pp.HandshakeResult) error {
	if res.InfoHash != t.infoHash {
		return ErrInfoHashMismatch
	}
	if PeerID(res.PeerID) == t.cl.peerID {
		connsToSelf.Add(1)
		t.selfAddrs[addr] = struct{}{}
		return ErrConnectedToSelf
	}
	if _, ok := t.banned[addr.Addr()]; ok {
		return ErrPeerBanned
	}
	for c := range t.conns {
		if c.established() && c.PeerID == PeerID(res.PeerID) {
			duplicateClientConns.Add(1)
			return ErrDuplicatePeer
		}
	}
	if t.numEstablished() >= t.config.EstablishedConnsPerTorrent {
		return ErrTooManyConns
	}
	return nil
}

func (t *Torrent) onHandshakeDone(e handshakeDoneEvent) {
	c := e.c
	if c.state >= PeerConnClosing {
		if e.nc != nil {
			e.nc.Close()
		}
		return
	}
	if e.err != nil {
		c.close(e.err)
		return
	}
	if err := t.checkHandshake(c.RemoteAddr, e.res); err != nil {
		e.nc.Close()
		c.close(err)
		return
	}
	if c.state == PeerConnConnecting {
		c.setState(PeerConnHandshaking)
	}
	t.establish(c, e.nc, e.res)
}

func (t *Torrent) onIncomingConn(nc net.Conn, res pp.HandshakeResult) {
	if !t.active() {
		acceptReject.Add(1)
		nc.Close()
		return
	}
	addr, err := netip.ParseAddrPort(nc.RemoteAddr().String())
	if err != nil {
		t.logger.Levelf(log.Warning, "parsing incoming address %q: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	c := t.newPeerConn(PeerInfo{
		Addr:   netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		Source: PeerSourceIncoming,
	}, false)
	t.addConn(c)
	c.setState(PeerConnHandshaking)
	if err := t.checkHandshake(c.RemoteAddr, res); err != nil {
		acceptReject.Add(1)
		nc.Close()
		c.close(err)
		return
	}
	t.establish(c, nc, res)
}

func (t *Torrent) establish(c *PeerConn, nc net.Conn, res pp.HandshakeResult) {
	c.establish(nc, res)
	t.picker.AddPeer(c.key)
	if t.picker.NumVerified() != 0 {
		c.write(pp.Bitfield{Bits: t.bitfield()})
	}
	c.logger.Levelf(log.Debug, "established with %v", c.PeerID)
	t.alert(PeerConnectedAlert{
		Addr:     c.RemoteAddr,
		PeerID:   c.PeerID,
		Outgoing: c.outgoing,
	})
}

// Hands a peer's incoming connection to the loop. The handshake is complete.
func (t *Torrent) acceptConn(nc net.Conn, res pp.HandshakeResult) {
	if !t.post(incomingConnEvent{nc, res}) {
		nc.Close()
	}
}

// Waits for a disk read to finish, and any upload rate limiting, before handing the data to the
// loop.
func (t *Torrent) readWaiter(c *PeerConn, r pp.RequestSpec, done <-chan diskio.ReadResult) {
	t.goWaiter(func() {
		res := <-done
		if res.Err == nil {
			if err := waitLimiter(t.ctx, t.config.UploadRateLimiter, len(res.Data)); err != nil {
				res = diskio.ReadResult{Err: err}
			}
		}
		t.post(uploadReadEvent{c, r, res})
	})
}
