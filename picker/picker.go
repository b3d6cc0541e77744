// Package picker decides which blocks to request from which peers, and tracks every piece from
// first request until it is verified and durably written.
package picker

import (
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/kestrel-bt/torrent/layout"
)

// Identifies a peer to the picker. The session allocates these; they are never reused while the
// peer is registered.
type PeerKey uint64

type State uint8

const (
	Missing State = iota
	Partial
	PendingVerification
	// The digest matched and the data is with the disk scheduler.
	Persisting
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Partial:
		return "partial"
	case PendingVerification:
		return "pending verification"
	case Persisting:
		return "persisting"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type Config struct {
	// Endgame starts when fewer than max(EndgameThreshold, number of peers) pieces remain.
	EndgameThreshold int
	// The most peers a single block is requested from at once during endgame.
	EndgameDuplicates int
}

func DefaultConfig() Config {
	return Config{
		EndgameThreshold:  4,
		EndgameDuplicates: 3,
	}
}

type piece struct {
	state State
	// Assembly buffer, allocated on the first received block and handed off once verified.
	buf         []byte
	received    []bool
	numReceived int
	// Peers with an outstanding request for each block.
	requesters   [][]PeerKey
	numRequested int
	contributors map[PeerKey]struct{}
	availability int
}

func (p *piece) open() bool {
	return p.numReceived != 0 || p.numRequested != 0
}

type peer struct {
	have     *roaring.Bitmap
	requests map[layout.Block]struct{}
}

// Picker is not safe for concurrent use. The torrent session is its only caller.
type Picker struct {
	layout *layout.Layout
	cfg    Config
	pieces []piece
	order  *pieceOrder
	peers  map[PeerKey]*peer
	// Pieces that are Persisting or Verified.
	done     roaring.Bitmap
	verified roaring.Bitmap
}

func New(l *layout.Layout, cfg Config) *Picker {
	if cfg.EndgameDuplicates < 1 {
		cfg.EndgameDuplicates = 1
	}
	p := &Picker{
		layout: l,
		cfg:    cfg,
		pieces: make([]piece, l.NumPieces()),
		order:  newPieceOrder(l.NumPieces()),
		peers:  make(map[PeerKey]*peer),
	}
	for i := range p.pieces {
		n := l.NumBlocks(i)
		p.pieces[i].received = make([]bool, n)
		p.pieces[i].requesters = make([][]PeerKey, n)
		p.updateOrder(i)
	}
	return p
}

func (p *Picker) Layout() *layout.Layout {
	return p.layout
}

func (p *Picker) State(piece int) State {
	return p.pieces[piece].state
}

func (p *Picker) Availability(piece int) int {
	return p.pieces[piece].availability
}

func (p *Picker) NumVerified() int {
	return int(p.verified.GetCardinality())
}

func (p *Picker) Verified(piece int) bool {
	return p.verified.Contains(uint32(piece))
}

// A copy of the set of verified pieces.
func (p *Picker) VerifiedBitmap() *roaring.Bitmap {
	return p.verified.Clone()
}

func (p *Picker) Complete() bool {
	return p.NumVerified() == p.layout.NumPieces()
}

// Fraction of pieces verified. An empty torrent is complete.
func (p *Picker) Progress() float64 {
	if p.layout.NumPieces() == 0 {
		return 1
	}
	return float64(p.NumVerified()) / float64(p.layout.NumPieces())
}

// Pieces not yet Persisting or Verified.
func (p *Picker) Remaining() int {
	return p.layout.NumPieces() - int(p.done.GetCardinality())
}

func (p *Picker) NumPeers() int {
	return len(p.peers)
}

func (p *Picker) Endgame() bool {
	remaining := p.Remaining()
	return remaining != 0 && remaining < max(p.cfg.EndgameThreshold, len(p.peers))
}

// True when pieces remain but no registered peer has any of them.
func (p *Picker) Stalled() bool {
	if p.Remaining() == 0 {
		return false
	}
	for i := range p.pieces {
		if !p.done.Contains(uint32(i)) && p.pieces[i].availability != 0 {
			return false
		}
	}
	return true
}

// Requestable pieces are in the order tree. Everything else is out of it.
func (p *Picker) updateOrder(i int) {
	pc := &p.pieces[i]
	switch pc.state {
	case Missing, Partial:
		p.order.Set(i, orderState{
			Availability: pc.availability,
			Partial:      pc.open(),
		})
	default:
		p.order.Delete(i)
	}
}

func (p *Picker) getPeer(key PeerKey) *peer {
	pr, ok := p.peers[key]
	if !ok {
		pr = &peer{
			have:     roaring.New(),
			requests: make(map[layout.Block]struct{}),
		}
		p.peers[key] = pr
	}
	return pr
}

func (p *Picker) AddPeer(key PeerKey) {
	p.getPeer(key)
}

func (p *Picker) adjustAvailability(i int, delta int) {
	p.pieces[i].availability += delta
	panicif.True(p.pieces[i].availability < 0)
	p.updateOrder(i)
}

// Replaces what the peer is known to have. Returns whether the peer has pieces we want.
func (p *Picker) PeerBitfield(key PeerKey, have *roaring.Bitmap) (interesting bool) {
	pr := p.getPeer(key)
	pr.have.Iterate(func(x uint32) bool {
		p.adjustAvailability(int(x), -1)
		return true
	})
	pr.have = have.Clone()
	pr.have.RemoveRange(uint64(p.layout.NumPieces()), 1<<32)
	pr.have.Iterate(func(x uint32) bool {
		p.adjustAvailability(int(x), 1)
		return true
	})
	return p.Interesting(key)
}

// Returns whether the piece is one we want. Repeated haves are ignored.
func (p *Picker) PeerHave(key PeerKey, piece int) (interesting bool) {
	panicif.True(piece < 0 || piece >= p.layout.NumPieces())
	pr := p.getPeer(key)
	if pr.have.CheckedAdd(uint32(piece)) {
		p.adjustAvailability(piece, 1)
	}
	return !p.done.Contains(uint32(piece))
}

func (p *Picker) PeerHas(key PeerKey, piece int) bool {
	pr, ok := p.peers[key]
	return ok && pr.have.Contains(uint32(piece))
}

// Reports whether the peer has any piece we don't.
func (p *Picker) Interesting(key PeerKey) bool {
	pr, ok := p.peers[key]
	if !ok {
		return false
	}
	return roaring.AndNot(pr.have, &p.done).GetCardinality() != 0
}

// Whether the peer has every piece.
func (p *Picker) PeerSeeding(key PeerKey) bool {
	pr, ok := p.peers[key]
	return ok && int(pr.have.GetCardinality()) == p.layout.NumPieces()
}

func (p *Picker) NumRequests(key PeerKey) int {
	pr, ok := p.peers[key]
	if !ok {
		return 0
	}
	return len(pr.requests)
}

func (p *Picker) removeRequester(b layout.Block, key PeerKey) bool {
	pc := &p.pieces[b.Piece]
	bi := p.layout.BlockIndex(b)
	rs := pc.requesters[bi]
	i := slices.Index(rs, key)
	if i == -1 {
		return false
	}
	pc.requesters[bi] = slices.Delete(rs, i, i+1)
	pc.numRequested--
	return true
}

// Forgets the peer's request for the block, so it can be assigned elsewhere. Returns false if the
// request wasn't outstanding.
func (p *Picker) CancelRequest(key PeerKey, b layout.Block) bool {
	pr, ok := p.peers[key]
	if !ok {
		return false
	}
	if _, ok := pr.requests[b]; !ok {
		return false
	}
	delete(pr.requests, b)
	panicif.False(p.removeRequester(b, key))
	p.updateOrder(int(b.Piece))
	return true
}

// Unregisters the peer. Returns the number of its outstanding requests that left their block with
// no requester, and so available for assignment again.
func (p *Picker) RemovePeer(key PeerKey) (released int) {
	pr, ok := p.peers[key]
	if !ok {
		return 0
	}
	touched := make(map[uint32]struct{})
	for b := range pr.requests {
		panicif.False(p.removeRequester(b, key))
		pc := &p.pieces[b.Piece]
		if len(pc.requesters[p.layout.BlockIndex(b)]) == 0 {
			released++
		}
		touched[b.Piece] = struct{}{}
	}
	delete(p.peers, key)
	pr.have.Iterate(func(x uint32) bool {
		p.adjustAvailability(int(x), -1)
		return true
	})
	for i := range touched {
		p.updateOrder(int(i))
	}
	return
}

// Returns up to limit blocks the peer can supply that we still need, and records them as requested
// from the peer.
func (p *Picker) PickBlocks(key PeerKey, limit int) (ret []layout.Block) {
	pr, ok := p.peers[key]
	if !ok || limit <= 0 {
		return nil
	}
	endgame := p.Endgame()
	for item := range p.order.Iter() {
		if !pr.have.Contains(uint32(item.index)) {
			continue
		}
		pc := &p.pieces[item.index]
		for bi, got := range pc.received {
			if got {
				continue
			}
			rs := pc.requesters[bi]
			if len(rs) != 0 {
				if !endgame || len(rs) >= p.cfg.EndgameDuplicates || slices.Contains(rs, key) {
					continue
				}
			}
			ret = append(ret, p.layout.Block(item.index, bi))
			if len(ret) >= limit {
				break
			}
		}
		if len(ret) >= limit {
			break
		}
	}
	// The order tree can't be modified while it's being scanned.
	for _, b := range ret {
		pr.requests[b] = struct{}{}
		pc := &p.pieces[b.Piece]
		bi := p.layout.BlockIndex(b)
		pc.requesters[bi] = append(pc.requesters[bi], key)
		pc.numRequested++
		p.updateOrder(int(b.Piece))
	}
	return
}

type OutcomeKind int

const (
	StillPartial OutcomeKind = iota
	VerifiedAndPersist
	Corrupt
	// The block was already received, or the piece is past needing it.
	Duplicate
	// The block doesn't fit the layout.
	Invalid
)

func (k OutcomeKind) String() string {
	switch k {
	case StillPartial:
		return "still partial"
	case VerifiedAndPersist:
		return "verified"
	case Corrupt:
		return "corrupt"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// An outstanding request held by another peer for a block that has now arrived.
type Cancel struct {
	Peer  PeerKey
	Block layout.Block
}

type Outcome struct {
	Kind  OutcomeKind
	Piece int
	// The verified piece, for VerifiedAndPersist. Ownership passes to the caller.
	Data []byte
	// Requests that should be cancelled on the wire.
	Cancels []Cancel
	// Peers that supplied blocks of the piece, for VerifiedAndPersist and Corrupt.
	Contributors []PeerKey
}

// Records a received block. Data is copied. The first delivery of a block wins.
func (p *Picker) BlockReceived(key PeerKey, b layout.Block, data []byte) (ret Outcome) {
	ret.Piece = int(b.Piece)
	if !p.layout.ValidBlock(b) || len(data) != int(b.Length) {
		ret.Kind = Invalid
		return
	}
	// Whatever happens next, this peer's request is satisfied.
	if pr, ok := p.peers[key]; ok {
		if _, ok := pr.requests[b]; ok {
			delete(pr.requests, b)
			p.removeRequester(b, key)
		}
	}
	pc := &p.pieces[b.Piece]
	bi := p.layout.BlockIndex(b)
	if pc.state > Partial || pc.received[bi] {
		ret.Kind = Duplicate
		p.updateOrder(ret.Piece)
		return
	}
	for _, other := range pc.requesters[bi] {
		ret.Cancels = append(ret.Cancels, Cancel{other, b})
		delete(p.peers[other].requests, b)
		pc.numRequested--
	}
	pc.requesters[bi] = nil
	if pc.buf == nil {
		pc.buf = make([]byte, p.layout.PieceLength(ret.Piece))
	}
	copy(pc.buf[b.Begin:], data)
	pc.received[bi] = true
	pc.numReceived++
	if pc.contributors == nil {
		pc.contributors = make(map[PeerKey]struct{})
	}
	pc.contributors[key] = struct{}{}
	if pc.numReceived < len(pc.received) {
		pc.state = Partial
		ret.Kind = StillPartial
		p.updateOrder(ret.Piece)
		return
	}
	pc.state = PendingVerification
	p.updateOrder(ret.Piece)
	for c := range pc.contributors {
		ret.Contributors = append(ret.Contributors, c)
	}
	slices.Sort(ret.Contributors)
	if p.layout.CheckPiece(ret.Piece, pc.buf) {
		ret.Kind = VerifiedAndPersist
		ret.Data = pc.buf
		pc.state = Persisting
		p.done.Add(b.Piece)
		p.releasePieceBuffers(pc)
		return
	}
	ret.Kind = Corrupt
	p.resetPiece(ret.Piece)
	return
}

// Whether a piece still being assembled holds blocks from the peer. The peer needn't be
// registered.
func (p *Picker) Contributed(key PeerKey) bool {
	for i := range p.pieces {
		if _, ok := p.pieces[i].contributors[key]; ok {
			return true
		}
	}
	return false
}

func (p *Picker) releasePieceBuffers(pc *piece) {
	pc.buf = nil
	pc.contributors = nil
}

func (p *Picker) resetPiece(i int) {
	pc := &p.pieces[i]
	panicif.NotEq(pc.numRequested, 0)
	pc.state = Missing
	clear(pc.received)
	pc.numReceived = 0
	p.releasePieceBuffers(pc)
	p.done.Remove(uint32(i))
	p.verified.Remove(uint32(i))
	p.updateOrder(i)
}

// Moves a Persisting piece to Verified once the disk scheduler has written it.
func (p *Picker) PieceWritten(i int) bool {
	if p.pieces[i].state != Persisting {
		return false
	}
	p.pieces[i].state = Verified
	p.verified.Add(uint32(i))
	return true
}

// The write for a Persisting piece failed. The piece must be downloaded again.
func (p *Picker) PieceWriteFailed(i int) {
	if p.pieces[i].state != Persisting {
		return
	}
	p.resetPiece(i)
}

// Marks a piece verified without downloading it, such as when resuming from existing data. The
// piece must not have outstanding requests.
func (p *Picker) MarkVerified(i int) {
	pc := &p.pieces[i]
	panicif.NotEq(pc.numRequested, 0)
	pc.state = Verified
	clear(pc.received)
	pc.numReceived = 0
	p.releasePieceBuffers(pc)
	p.done.Add(uint32(i))
	p.verified.Add(uint32(i))
	p.updateOrder(i)
}
