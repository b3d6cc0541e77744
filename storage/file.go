package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/kestrel-bt/torrent/layout"
	"github.com/kestrel-bt/torrent/segments"
)

// File-based storage for torrents, that isn't yet bound to a particular torrent.
type fileClientImpl struct {
	baseDir string
}

// All torrents are stored beneath baseDir, each file at its path in the layout.
func NewFile(baseDir string) ClientImplCloser {
	return &fileClientImpl{baseDir: baseDir}
}

func (me *fileClientImpl) Close() error {
	return nil
}

func (me *fileClientImpl) OpenTorrent(l *layout.Layout, infoHash [20]byte) (TorrentImpl, error) {
	files, err := filePaths(me.baseDir, l)
	if err != nil {
		return nil, err
	}
	var lengths []segments.Length
	for _, f := range l.Files() {
		lengths = append(lengths, f.Length)
	}
	return &fileTorrentImpl{
		files:   files,
		index:   segments.NewIndex(lengths),
		handles: make(map[int]*os.File),
	}, nil
}

// Rejects paths that would escape the base directory.
func safeFilePath(base string, components []string) (string, error) {
	if len(components) == 0 {
		return "", errors.New("file has no path")
	}
	rel := filepath.Join(components...)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("file path %q escapes the storage directory", rel)
	}
	return filepath.Join(base, rel), nil
}

func filePaths(baseDir string, l *layout.Layout) (ret []string, err error) {
	for _, f := range l.Files() {
		var p string
		p, err = safeFilePath(baseDir, f.Path)
		if err != nil {
			return
		}
		ret = append(ret, p)
	}
	return
}

type fileTorrentImpl struct {
	files []string
	index segments.Index

	mu      sync.Mutex
	closed  bool
	handles map[int]*os.File
}

// Returns an open handle for the file, creating it if create is set.
func (me *fileTorrentImpl) handle(i int, create bool) (*os.File, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return nil, fs.ErrClosed
	}
	if f, ok := me.handles[i]; ok {
		return f, nil
	}
	name := me.files[i]
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(name), 0o750); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(name, flag, 0o640)
	if err != nil {
		return nil, err
	}
	me.handles[i] = f
	return f, nil
}

func (me *fileTorrentImpl) ReadAt(p []byte, off int64) (n int, err error) {
	e := segments.Extent{Start: off, Length: int64(len(p))}
	if !me.index.Covers(e) {
		return 0, io.EOF
	}
	for i, fe := range me.index.Locate(e) {
		var f *os.File
		f, err = me.handle(i, false)
		if err != nil {
			return
		}
		var n1 int
		n1, err = f.ReadAt(p[n:n+int(fe.Length)], fe.Start)
		n += n1
		if err != nil {
			if err == io.EOF {
				// Files are only as long as what's been written to them.
				err = io.ErrUnexpectedEOF
			}
			return
		}
	}
	return
}

func (me *fileTorrentImpl) WriteAt(p []byte, off int64) (n int, err error) {
	e := segments.Extent{Start: off, Length: int64(len(p))}
	if !me.index.Covers(e) {
		return 0, fmt.Errorf("write of %d bytes at %d is beyond the end of the torrent", len(p), off)
	}
	for i, fe := range me.index.Locate(e) {
		var f *os.File
		f, err = me.handle(i, true)
		if err != nil {
			return
		}
		var n1 int
		n1, err = f.WriteAt(p[n:n+int(fe.Length)], fe.Start)
		n += n1
		if err != nil {
			return
		}
	}
	return
}

func (me *fileTorrentImpl) Flush() (err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, f := range me.handles {
		err = errors.Join(err, f.Sync())
	}
	return
}

func (me *fileTorrentImpl) Close() (err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return nil
	}
	me.closed = true
	for _, f := range me.handles {
		err = errors.Join(err, f.Close())
	}
	clear(me.handles)
	return
}
