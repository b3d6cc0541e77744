// Downloads or seeds a single torrent from the command-line.
//
// Example run:
// $ go run ./cmd/kestrel --peer 127.0.0.1:42069 --data-dir /tmp/dl ubuntu.torrent
// 1.001s: downloading "ubuntu.iso": 475 kB/1.2 GB, 1/4636 pieces, 2 peers: 475 kB/s down, 0 B/s up
package main

import (
	"context"
	_ "expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kestrel-bt/torrent"
	"github.com/kestrel-bt/torrent/storage"
)

var logger = log.Default.WithNames("main")

type flags struct {
	DataDir           string   `arg:"--data-dir" default:"." help:"directory to store torrent data in"`
	Addr              string   `help:"network listen addr" default:":42069"`
	Mode              string   `default:"download" help:"download, or seed data that must already be in the data dir"`
	Peer              []string `arg:"--peer,separate" help:"address of a peer to connect to, may be repeated"`
	Seed              bool     `default:"true" help:"keep uploading after the download is complete"`
	QuitAfterComplete bool     `arg:"--quit-after-complete" help:"exit as soon as the download is complete"`
	Storage           string   `default:"file" help:"where to keep data: file, mmap or memory"`
	VerifyData        bool     `arg:"--verify-data" help:"hash all existing data before starting"`
	UploadRate        string   `arg:"--upload-rate" help:"max bytes per second to send, such as 1MiB"`
	DownloadRate      string   `arg:"--download-rate" help:"max bytes per second to receive"`
	NoUpload          bool     `arg:"--no-upload" help:"never send data to peers"`
	StatusAddr        string   `arg:"--status-addr" help:"serve status, metrics and expvars over HTTP on this addr"`
	Progress          bool     `default:"true" help:"print progress every second"`
	Debug             bool

	Torrent string `arg:"positional,required" help:"path to a .torrent file"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		logger.Levelf(log.Error, "error in main: %v", err)
		os.Exit(1)
	}
}

func rateLimiter(s string) (*rate.Limiter, error) {
	if s == "" {
		return rate.NewLimiter(rate.Inf, 0), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, err
	}
	// Zero burst picks the client's default.
	return rate.NewLimiter(rate.Limit(n), 0), nil
}

func clientConfig(f *flags) (cfg *torrent.Config, err error) {
	cfg = torrent.NewDefaultConfig()
	cfg.DataDir = f.DataDir
	cfg.Debug = f.Debug
	cfg.Seed = f.Seed
	cfg.NoUpload = f.NoUpload
	host, port, err := net.SplitHostPort(f.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "parsing listen addr")
	}
	cfg.ListenHost = host
	if _, err := fmt.Sscan(port, &cfg.ListenPort); err != nil {
		return nil, errors.Wrapf(err, "parsing listen port %q", port)
	}
	switch f.Storage {
	case "file":
		cfg.DefaultStorage = storage.NewFile(f.DataDir)
	case "mmap":
		cfg.DefaultStorage = storage.NewMMap(f.DataDir)
	case "memory":
		cfg.DefaultStorage = storage.NewMemory()
		cfg.DefaultPieceCompletion = storage.NewMapPieceCompletion()
	default:
		return nil, errors.Errorf("unknown storage %q", f.Storage)
	}
	if cfg.UploadRateLimiter, err = rateLimiter(f.UploadRate); err != nil {
		return nil, errors.Wrap(err, "parsing upload rate")
	}
	if cfg.DownloadRateLimiter, err = rateLimiter(f.DownloadRate); err != nil {
		return nil, errors.Wrap(err, "parsing download rate")
	}
	return
}

func mainErr() error {
	var f flags
	arg.MustParse(&f)
	cfg, err := clientConfig(&f)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mi, err := metainfo.LoadFromFile(f.Torrent)
	if err != nil {
		return errors.Wrapf(err, "loading torrent file %q", f.Torrent)
	}
	spec, err := torrent.TorrentSpecFromMetaInfo(mi)
	if err != nil {
		return err
	}
	seeding := false
	switch f.Mode {
	case "download":
		spec.PeerAddrs = f.Peer
	case "seed":
		seeding = true
		if len(f.Peer) != 0 {
			logger.Levelf(log.Warning, "ignoring %d peers in seed mode", len(f.Peer))
		}
	default:
		return errors.Errorf("unknown mode %q", f.Mode)
	}
	spec.VerifyData = f.VerifyData || seeding

	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	defer cl.Close()
	if f.StatusAddr != "" {
		http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			cl.WriteStatus(w)
		})
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Levelf(log.Info, "serving status on %v: %v", f.StatusAddr, http.ListenAndServe(f.StatusAddr, nil))
		}()
	}
	t, err := cl.AddTorrent(spec)
	if err != nil {
		return errors.Wrap(err, "adding torrent")
	}
	if err := t.Start(); err != nil {
		return err
	}
	if seeding {
		if err := waitSeedData(ctx, t); err != nil {
			return err
		}
	}
	if f.Progress {
		go torrentBar(ctx, t)
	}
	go logAlerts(ctx, t)

	var completed <-chan struct{}
	if f.QuitAfterComplete || !f.Seed {
		completed = t.Complete()
	}
	select {
	case <-ctx.Done():
		logger.Levelf(log.Info, "close signal received")
	case <-completed:
		logger.Levelf(log.Info, "download complete")
	case <-t.Closed():
		return t.Err()
	}
	return cl.Close()
}

// Waits for existing data to be hashed. Seeding requires all of it.
func waitSeedData(ctx context.Context, t *torrent.Torrent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Closed():
		if err := t.Err(); err != nil {
			return errors.Wrap(err, "checking data")
		}
		return torrent.ErrTorrentClosed
	case <-t.Checked():
	}
	if !t.IsComplete() {
		st := t.Stats()
		return errors.Errorf("can't seed %q: only %d/%d pieces present", t.Name(), st.PiecesComplete, st.PiecesTotal)
	}
	logger.Levelf(log.Info, "seeding %q", t.Name())
	return nil
}

func torrentBar(ctx context.Context, t *torrent.Torrent) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastLine string
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Closed():
			return
		case <-ticker.C:
		}
		stats := t.Stats()
		line := fmt.Sprintf(
			"%v: %v %q: %s/%s, %d/%d pieces, %d peers: %s/s down, %s/s up\n",
			time.Since(start).Truncate(time.Millisecond),
			stats.State,
			t.Name(),
			humanize.Bytes(uint64(stats.BytesCompleted)),
			humanize.Bytes(uint64(t.Layout().TotalLength())),
			stats.PiecesComplete,
			stats.PiecesTotal,
			stats.ActivePeers,
			humanize.Bytes(uint64(stats.DownloadRate)),
			humanize.Bytes(uint64(stats.UploadRate)),
		)
		if line != lastLine {
			lastLine = line
			os.Stdout.WriteString(line)
		}
	}
}

func logAlerts(ctx context.Context, t *torrent.Torrent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Closed():
			return
		case a := <-t.Alerts():
			switch a.(type) {
			case torrent.PieceCompletedAlert, torrent.PeerConnectedAlert, torrent.PeerDisconnectedAlert:
				logger.Levelf(log.Debug, "%v", a)
			default:
				logger.Levelf(log.Info, "%v", a)
			}
		}
	}
}
