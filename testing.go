package torrent

import (
	"math/rand/v2"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/kestrel-bt/torrent/storage"
)

const LoopbackListenHost = "127.0.0.1"

// A config suited to tests: loopback only, any free port, in-memory storage and piece completion,
// and intervals short enough that tests don't sit waiting on them.
func TestingConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.ListenHost = LoopbackListenHost
	cfg.ListenPort = 0
	cfg.DefaultStorage = storage.NewMemory()
	cfg.DefaultPieceCompletion = storage.NewMapPieceCompletion()
	cfg.Logger = log.Default.WithNames("test")
	cfg.DialRateLimiter = rate.NewLimiter(rate.Inf, 0)
	cfg.NominalDialTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.ChokeInterval = 100 * time.Millisecond
	cfg.OptimisticUnchokeInterval = 300 * time.Millisecond
	cfg.ChokerRand = rand.New(rand.NewPCG(1, 2))
	cfg.AnnounceInterval = time.Second
	//cfg.Debug = true
	return cfg
}
