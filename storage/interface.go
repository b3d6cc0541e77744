// Package storage holds torrent data. Backends map the torrent's linear byte space onto files,
// memory maps or plain memory. Piece completion is tracked separately so it survives restarts.
package storage

import (
	"io"

	"github.com/kestrel-bt/torrent/layout"
)

// Represents data storage for an unspecified torrent.
type ClientImpl interface {
	OpenTorrent(l *layout.Layout, infoHash [20]byte) (TorrentImpl, error)
}

type ClientImplCloser interface {
	ClientImpl
	Close() error
}

// Data storage bound to a torrent. Offsets are into the torrent's linear byte space. The disk
// scheduler never issues overlapping operations concurrently.
type TorrentImpl interface {
	io.ReaderAt
	io.WriterAt
	Close() error
}

// Optionally implemented by a TorrentImpl that buffers writes.
type Flusher interface {
	Flush() error
}
