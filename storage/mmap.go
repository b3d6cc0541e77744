package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/kestrel-bt/torrent/layout"
	"github.com/kestrel-bt/torrent/mmap_span"
	"github.com/kestrel-bt/torrent/segments"
)

type mmapClientImpl struct {
	baseDir string
}

// Files are laid out as with NewFile, but memory mapped up front. Files are created at full size.
func NewMMap(baseDir string) ClientImplCloser {
	return &mmapClientImpl{
		baseDir: baseDir,
	}
}

func (s *mmapClientImpl) OpenTorrent(l *layout.Layout, infoHash [20]byte) (t TorrentImpl, err error) {
	span, err := mMapTorrent(s.baseDir, l)
	if err != nil {
		return
	}
	t = &mmapTorrentStorage{
		length: l.TotalLength(),
		span:   span,
	}
	return
}

func (s *mmapClientImpl) Close() error {
	return nil
}

type mmapTorrentStorage struct {
	length int64
	span   *mmap_span.MMapSpan
}

func (ts *mmapTorrentStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return io.NewSectionReader(ts.span, 0, ts.length).ReadAt(p, off)
}

func (ts *mmapTorrentStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > ts.length {
		return 0, io.ErrShortWrite
	}
	return ts.span.WriteAt(p, off)
}

func (ts *mmapTorrentStorage) Flush() error {
	return errors.Join(ts.span.Flush()...)
}

func (ts *mmapTorrentStorage) Close() error {
	return ts.span.Close()
}

func mMapTorrent(baseDir string, l *layout.Layout) (mms *mmap_span.MMapSpan, err error) {
	paths, err := filePaths(baseDir, l)
	if err != nil {
		return
	}
	var (
		mMaps   []mmap.MMap
		lengths []segments.Length
	)
	defer func() {
		if err != nil {
			for _, mm := range mMaps {
				if mm != nil {
					mm.Unmap()
				}
			}
		}
	}()
	for i, f := range l.Files() {
		var mm mmap.MMap
		mm, err = mmapFile(paths[i], f.Length)
		if err != nil {
			err = fmt.Errorf("file %q: %w", paths[i], err)
			return
		}
		// Empty files have no mapping, but keep their place in the index.
		mMaps = append(mMaps, mm)
		lengths = append(lengths, f.Length)
	}
	return mmap_span.New(mMaps, segments.NewIndex(lengths)), nil
}

func mmapFile(name string, size int64) (ret mmap.MMap, err error) {
	dir := filepath.Dir(name)
	err = os.MkdirAll(dir, 0o750)
	if err != nil {
		err = fmt.Errorf("making directory %q: %w", dir, err)
		return
	}
	var file *os.File
	file, err = os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return
	}
	defer file.Close()
	var fi os.FileInfo
	fi, err = file.Stat()
	if err != nil {
		return
	}
	if fi.Size() < size {
		// Mapping beyond the end of a file faults on access.
		err = file.Truncate(size)
		if err != nil {
			return
		}
	}
	if size == 0 {
		// Can't mmap() regions with length 0.
		return
	}
	intLen := int(size)
	if int64(intLen) != size {
		err = errors.New("size too large for system")
		return
	}
	ret, err = mmap.MapRegion(file, intLen, mmap.RDWR, 0, 0)
	if err != nil {
		err = fmt.Errorf("error mapping region: %w", err)
		return
	}
	if int64(len(ret)) != size {
		panic(len(ret))
	}
	return
}
