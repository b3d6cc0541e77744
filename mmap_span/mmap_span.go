// Package mmap_span presents a sequence of memory maps as one contiguous byte space.
package mmap_span

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/kestrel-bt/torrent/segments"
)

type MMapSpan struct {
	mu sync.RWMutex
	// A nil map stands in for an empty segment.
	mMaps          []mmap.MMap
	segmentLocater segments.Index
	closed         bool
}

func New(mMaps []mmap.MMap, index segments.Index) *MMapSpan {
	if len(mMaps) != index.Len() {
		panic(fmt.Sprintf("%d maps for %d segments", len(mMaps), index.Len()))
	}
	return &MMapSpan{
		mMaps:          mMaps,
		segmentLocater: index,
	}
}

func (ms *MMapSpan) Flush() (errs []error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, mMap := range ms.mMaps {
		if mMap == nil {
			continue
		}
		err := mMap.Flush()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return
}

func (ms *MMapSpan) Close() (err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil
	}
	for _, mMap := range ms.mMaps {
		if mMap != nil {
			err = errors.Join(err, mMap.Unmap())
		}
	}
	ms.mMaps = nil
	ms.closed = true
	return
}

func (ms *MMapSpan) ReadAt(p []byte, off int64) (n int, err error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return 0, fs.ErrClosed
	}
	n = ms.locateCopy(func(a, b []byte) (_, _ []byte) { return a, b }, p, off)
	if n != len(p) {
		err = io.EOF
	}
	return
}

func (ms *MMapSpan) WriteAt(p []byte, off int64) (n int, err error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return 0, fs.ErrClosed
	}
	n = ms.locateCopy(func(a, b []byte) (_, _ []byte) { return b, a }, p, off)
	if n != len(p) {
		err = io.ErrShortWrite
	}
	return
}

// copyArgs orders the caller's buffer and the mapped bytes into copy's destination and source.
func (ms *MMapSpan) locateCopy(
	copyArgs func(remainingArgument, mmapped []byte) (dst, src []byte),
	p []byte,
	off int64,
) (n int) {
	for i, e := range ms.segmentLocater.Locate(segments.Extent{Start: off, Length: int64(len(p))}) {
		mMapBytes := ms.mMaps[i][e.Start : e.Start+e.Length]
		_n := copy(copyArgs(p, mMapBytes))
		p = p[_n:]
		n += _n
		if segments.Int(_n) != e.Length {
			panic(fmt.Sprintf("did %d bytes, expected to do %d", _n, e.Length))
		}
	}
	return
}
