package storage

import (
	"io"
	"io/fs"
	"sync"

	"github.com/kestrel-bt/torrent/layout"
)

type memoryClientImpl struct{}

// Storage that keeps each torrent in a single buffer. Data is lost when the torrent is closed.
func NewMemory() ClientImpl {
	return memoryClientImpl{}
}

func (memoryClientImpl) OpenTorrent(l *layout.Layout, infoHash [20]byte) (TorrentImpl, error) {
	return &memoryTorrent{buf: make([]byte, l.TotalLength())}, nil
}

type memoryTorrent struct {
	mu     sync.RWMutex
	buf    []byte
	closed bool
}

func (me *memoryTorrent) ReadAt(p []byte, off int64) (n int, err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 || off >= int64(len(me.buf)) {
		return 0, io.EOF
	}
	n = copy(p, me.buf[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

func (me *memoryTorrent) WriteAt(p []byte, off int64) (n int, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(me.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(me.buf[off:], p), nil
}

func (me *memoryTorrent) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.closed = true
	me.buf = nil
	return nil
}
