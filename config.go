package torrent

import (
	"math/rand/v2"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/kestrel-bt/torrent/diskio"
	"github.com/kestrel-bt/torrent/picker"
	"github.com/kestrel-bt/torrent/storage"
)

const (
	DefaultBep20Prefix = "-KS0100-"
	// Largest block we serve or accept a request for.
	maxRequestLength = 128 << 10
	// A piece message can't carry more than a requested block plus its header.
	maxMessageLength = maxRequestLength + 9
)

var unlimited = rate.NewLimiter(rate.Inf, 0)

// Probably not safe to modify this after it's given to a Client, or to pass it to multiple Clients.
type Config struct {
	// Store torrent data in this directory unless DefaultStorage is specified.
	DataDir string `arg:"--data-dir" help:"directory to store downloaded torrent data"`
	// Used for torrents that don't specify their own storage.
	DefaultStorage storage.ClientImpl
	// Records which pieces are known to be complete, for resuming. Defaults to a bolt database in
	// DataDir.
	DefaultPieceCompletion storage.PieceCompletion

	// The address to accept peer connections on. An empty host listens on all interfaces, and port
	// 0 picks a free port.
	ListenHost string
	ListenPort int
	// Don't accept incoming connections at all.
	NoListen bool

	// Peer ID prefix, followed by random bytes. Ignored if PeerID is set.
	Bep20  string
	PeerID string

	Logger log.Logger
	Debug  bool `arg:"--debug"`

	// Never send blocks to peers.
	NoUpload bool `arg:"--no-upload"`
	// Keep uploading once the torrent is complete.
	Seed bool `arg:"--seed"`
	// Each limiter token represents one byte. The burst must fit a whole block. If the limit is not
	// Inf and the burst is zero, a suitable burst is chosen.
	UploadRateLimiter   *rate.Limiter
	DownloadRateLimiter *rate.Limiter
	// Paces outgoing connection attempts.
	DialRateLimiter *rate.Limiter

	EstablishedConnsPerTorrent int
	HalfOpenConnsPerTorrent    int
	// Peer sources are asked for more peers early when fewer than this many are connected.
	MinPeers           int
	NominalDialTimeout time.Duration
	HandshakeTimeout   time.Duration
	// Interval of idle outgoing traffic before a keep-alive is sent.
	KeepAliveInterval time.Duration
	// A peer that sends nothing for this long is dropped. Must exceed the remote's keep-alive
	// interval.
	PeerIdleTimeout time.Duration
	// Outstanding requests per peer.
	MaxRequestsPerPeer int
	// Requests from a peer we queue for service before dropping more.
	MaxRemoteRequests int
	// A request unanswered for this long is cancelled and given to other peers.
	RequestTimeout time.Duration

	UploadSlots               int
	ChokeInterval             time.Duration
	OptimisticUnchokeInterval time.Duration
	// Picks optimistic unchokes. Seeded from the clock if nil.
	ChokerRand *rand.Rand

	Picker picker.Config
	Disk   diskio.Config

	// Strikes from corrupt pieces before a peer's address is banned.
	BanThreshold int

	// Used when a tracker doesn't tell us how often to announce.
	AnnounceInterval time.Duration
	// A tracker that fails this many times in a row is abandoned.
	TrackerErrorThreshold int
	HTTPUserAgent         string

	// Alerts that can't be delivered because nobody is receiving are dropped past this many.
	AlertsBufferLen int
}

func NewDefaultConfig() *Config {
	return &Config{
		Bep20:                      DefaultBep20Prefix,
		ListenPort:                 42069,
		Logger:                     log.Default.WithNames("kestrel"),
		Seed:                       true,
		UploadRateLimiter:          unlimited,
		DownloadRateLimiter:        unlimited,
		DialRateLimiter:            rate.NewLimiter(10, 10),
		EstablishedConnsPerTorrent: 50,
		HalfOpenConnsPerTorrent:    25,
		MinPeers:                   10,
		NominalDialTimeout:         20 * time.Second,
		HandshakeTimeout:           20 * time.Second,
		KeepAliveInterval:          time.Minute,
		PeerIdleTimeout:            3 * time.Minute,
		MaxRequestsPerPeer:         32,
		MaxRemoteRequests:          250,
		RequestTimeout:             time.Minute,
		UploadSlots:                4,
		ChokeInterval:              10 * time.Second,
		OptimisticUnchokeInterval:  30 * time.Second,
		Picker:                     picker.DefaultConfig(),
		Disk:                       diskio.DefaultConfig(),
		BanThreshold:               3,
		AnnounceInterval:           time.Hour,
		TrackerErrorThreshold:      15,
		HTTPUserAgent:              "kestrel/0.1",
		AlertsBufferLen:            256,
	}
}

func (cfg *Config) chokerRand() *rand.Rand {
	if cfg.ChokerRand != nil {
		return cfg.ChokerRand
	}
	now := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(now, now>>32))
}
