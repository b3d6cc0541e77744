package torrent

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/kestrel-bt/torrent/diskio"
	"github.com/kestrel-bt/torrent/layout"
	pp "github.com/kestrel-bt/torrent/peer_protocol"
	"github.com/kestrel-bt/torrent/picker"
	"github.com/kestrel-bt/torrent/storage"
)

// Clients contain zero or more Torrents. A Client manages a listener for incoming peer
// connections, and routes them to the torrent with the matching infohash.
type Client struct {
	config        *Config
	logger        log.Logger
	peerID        PeerID
	extensionBits pp.PeerExtensionBits
	listener      net.Listener

	defaultStorage    storage.ClientImpl
	closeStorage      bool
	completion        storage.PieceCompletion
	closeCompletion   bool
	closed            chansync.SetOnce
	acceptLoopStopped chansync.SetOnce

	mu       sync.Mutex
	torrents map[[20]byte]*Torrent
}

func NewClient(cfg *Config) (cl *Client, err error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cl = &Client{
		config:   cfg,
		logger:   cfg.Logger,
		torrents: make(map[[20]byte]*Torrent),
	}
	if cfg.Debug {
		cl.logger = cl.logger.FilterLevel(log.Debug)
	}
	if cfg.PeerID != "" {
		copy(cl.peerID[:], cfg.PeerID)
	} else {
		cl.peerID = newPeerID(cfg.Bep20)
	}
	setRateLimiterBurstIfZero(cfg.UploadRateLimiter, defaultRateLimiterBurst)
	setRateLimiterBurstIfZero(cfg.DownloadRateLimiter, defaultRateLimiterBurst)
	cl.defaultStorage = cfg.DefaultStorage
	if cl.defaultStorage == nil {
		cl.defaultStorage = storage.NewFile(cfg.DataDir)
		cl.closeStorage = true
	}
	cl.completion = cfg.DefaultPieceCompletion
	if cl.completion == nil {
		cl.completion = storage.PieceCompletionForDir(cfg.DataDir, cl.logger)
		cl.closeCompletion = true
	}
	if !cfg.NoListen {
		addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
		cl.listener, err = net.Listen("tcp", addr)
		if err != nil {
			cl.Close()
			return nil, errors.Wrapf(err, "listening on %q", addr)
		}
		cl.logger.Levelf(log.Info, "listening on %v as %v", cl.listener.Addr(), cl.peerID)
		go cl.acceptConnections(cl.listener)
	}
	return
}

func (cl *Client) PeerID() PeerID {
	return cl.peerID
}

// The address we accept peer connections on, or nil if we don't.
func (cl *Client) ListenAddr() net.Addr {
	if cl.listener == nil {
		return nil
	}
	return cl.listener.Addr()
}

func (cl *Client) LocalPort() int {
	if tcp, ok := cl.ListenAddr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Our address as peers would see it, as near as we can tell. Used to rank dial candidates.
func (cl *Client) publicAddr() netip.AddrPort {
	if cl.listener == nil {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(cl.listener.Addr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (cl *Client) acceptConnections(l net.Listener) {
	defer cl.acceptLoopStopped.Set()
	for {
		nc, err := l.Accept()
		if err != nil {
			if cl.closed.IsSet() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			cl.logger.Levelf(log.Error, "error accepting connection: %v", err)
			return
		}
		acceptTCP.Add(1)
		go cl.incomingConnection(nc)
	}
}

// Reads the peer's handshake to learn which torrent it wants, and passes it on.
func (cl *Client) incomingConnection(nc net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), cl.config.HandshakeTimeout)
	defer cancel()
	res, err := pp.Handshake(ctx, nc, nil, cl.peerID, cl.extensionBits)
	if err != nil {
		cl.logger.Levelf(log.Debug, "error handshaking incoming connection from %v: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})
	t, ok := cl.Torrent(res.InfoHash)
	if !ok {
		acceptReject.Add(1)
		cl.logger.Levelf(log.Debug, "incoming connection from %v for unknown torrent %x", nc.RemoteAddr(), res.InfoHash)
		nc.Close()
		return
	}
	t.acceptConn(nc, res)
}

func (cl *Client) Torrent(ih [20]byte) (t *Torrent, ok bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok = cl.torrents[ih]
	return
}

// Returns the torrents in no particular order.
func (cl *Client) Torrents() (ret []*Torrent) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, t := range cl.torrents {
		ret = append(ret, t)
	}
	return
}

// Adds a torrent and begins checking any data already in storage. Call Start on the torrent to
// begin exchanging data with peers.
func (cl *Client) AddTorrent(spec *TorrentSpec) (t *Torrent, err error) {
	if spec.Layout == nil {
		return nil, errors.New("torrent spec has no layout")
	}
	var static g.Option[StaticPeers]
	if len(spec.PeerAddrs) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cl.config.NominalDialTimeout)
		sp, err := ParseStaticPeers(ctx, spec.PeerAddrs)
		cancel()
		if err != nil {
			return nil, err
		}
		static = g.Some(sp)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed.IsSet() {
		return nil, ErrClientClosed
	}
	if _, ok := cl.torrents[spec.InfoHash]; ok {
		return nil, ErrTorrentExists
	}
	storageImpl := spec.Storage
	if storageImpl == nil {
		storageImpl = cl.defaultStorage
	}
	ts, err := storageImpl.OpenTorrent(spec.Layout, spec.InfoHash)
	if err != nil {
		return nil, errors.Wrap(err, "opening torrent storage")
	}
	t = cl.newTorrent(spec)
	if static.Ok {
		t.sources = append(t.sources, static.Value)
	}
	t.disk = diskio.New(ts, spec.Layout, cl.config.Disk, t.logger)
	cl.torrents[spec.InfoHash] = t
	go t.run()
	return
}

func (cl *Client) newTorrent(spec *TorrentSpec) *Torrent {
	cfg := cl.config
	t := &Torrent{
		cl:         cl,
		config:     cfg,
		infoHash:   spec.InfoHash,
		name:       spec.DisplayName,
		layout:     spec.Layout,
		verifyData: spec.VerifyData,
		completion: cl.completion,
		events:     make(chan event, 64),
		alerts:     make(chan Alert, cfg.AlertsBufferLen),
		picker:     picker.New(spec.Layout, cfg.Picker),
		conns:      make(map[*PeerConn]struct{}),
		connsByKey: make(map[picker.PeerKey]*PeerConn),
		keyAddrs:   make(map[picker.PeerKey]netip.AddrPort),
		halfOpen:   semaphore.NewWeighted(int64(cfg.HalfOpenConnsPerTorrent)),
		banned:     make(map[netip.Addr]struct{}),
		strikes:    make(map[netip.Addr]int),
		selfAddrs:  make(map[netip.AddrPort]struct{}),
		rand:       cfg.chokerRand(),
	}
	t.logger = cl.logger.WithNames("torrent").WithContextValue(fmt.Sprintf("%x", t.infoHash[:4]))
	t.ctx, t.cancel = context.WithCancelCause(context.Background())
	t.chunkPool.New = func() any {
		b := make([]byte, layout.BlockSize)
		return &b
	}
	if spec.Completion != nil {
		t.completion = spec.Completion
	}
	t.bytesLeft.Store(spec.Layout.TotalLength())
	t.sources = append(t.sources, spec.PeerSources...)
	for _, u := range spec.Trackers {
		t.sources = append(t.sources, TrackerPeerSource{
			Url:             u,
			UserAgent:       cfg.HTTPUserAgent,
			Logger:          t.logger,
			DefaultInterval: cfg.AnnounceInterval,
		})
	}
	t.peers = newPrioritizedPeers(func(p PeerInfo) peerPriority {
		return bep40PriorityIgnoreError(cl.publicAddr(), p.Addr)
	})
	return t
}

func (cl *Client) torrentClosed(t *Torrent) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.torrents[t.infoHash] == t {
		delete(cl.torrents, t.infoHash)
	}
}

// Stops accepting connections, and closes every torrent and the storage they shared.
func (cl *Client) Close() (err error) {
	cl.mu.Lock()
	cl.closed.Set()
	ts := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ts = append(ts, t)
	}
	cl.mu.Unlock()
	if cl.listener != nil {
		cl.listener.Close()
		<-cl.acceptLoopStopped.Done()
	}
	for _, t := range ts {
		if tErr := t.Close(); tErr != nil && err == nil {
			err = tErr
		}
	}
	if cl.closeStorage {
		if c, ok := cl.defaultStorage.(storage.ClientImplCloser); ok {
			c.Close()
		}
	}
	if cl.closeCompletion && cl.completion != nil {
		cl.completion.Close()
	}
	return
}
