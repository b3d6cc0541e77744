// Package diskio serializes storage access for a torrent behind bounded queues, so network
// throughput can't outrun the disk without the producers noticing.
package diskio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-bt/torrent/layout"
	"github.com/kestrel-bt/torrent/storage"
)

var (
	// Returned by TrySubmit methods when the request would have to wait. Retry later.
	ErrQueueFull = errors.New("disk queue full")
	// The piece hasn't been written, so there's nothing to read.
	ErrNotFound = errors.New("piece data not found")
	ErrClosed   = errors.New("disk scheduler closed")
)

type Config struct {
	// Storage operations on different pieces can run concurrently on this many workers.
	Workers int
	// Requests queued per worker before submitters must wait.
	QueueDepth int
}

func DefaultConfig() Config {
	return Config{
		Workers:    2,
		QueueDepth: 16,
	}
}

type ReadResult struct {
	Data []byte
	Err  error
}

type opKind int

const (
	opWrite opKind = iota
	opRead
	opVerify
)

func (k opKind) String() string {
	return [...]string{"write", "read", "verify"}[k]
}

type request struct {
	kind   opKind
	piece  int
	begin  int64
	length int
	data   []byte
	// Buffered so workers never block on delivery.
	written  chan error
	read     chan ReadResult
	verified chan error
	queued   time.Time
}

type Scheduler struct {
	ts     storage.TorrentImpl
	layout *layout.Layout
	logger log.Logger
	queues []chan request
	eg     errgroup.Group

	// Held for reading while sending to queues, so the queues can be closed safely.
	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeErr  error
	closeOnce sync.Once

	writtenMu sync.Mutex
	written   roaring.Bitmap
}

func New(ts storage.TorrentImpl, l *layout.Layout, cfg Config, logger log.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	s := &Scheduler{
		ts:      ts,
		layout:  l,
		logger:  logger,
		closing: make(chan struct{}),
	}
	for range cfg.Workers {
		q := make(chan request, cfg.QueueDepth)
		s.queues = append(s.queues, q)
		s.eg.Go(func() error {
			s.worker(q)
			return nil
		})
	}
	return s
}

// All requests for a piece go to the same worker, so they're carried out in submission order.
func (s *Scheduler) queueFor(piece int) chan request {
	return s.queues[piece%len(s.queues)]
}

func (s *Scheduler) submit(ctx context.Context, r request, wait bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.isClosed() {
		return ErrClosed
	}
	r.queued = time.Now()
	q := s.queueFor(r.piece)
	select {
	case q <- r:
		queuedRequests.Inc()
		return nil
	default:
	}
	if !wait {
		queueFull.Inc()
		return ErrQueueFull
	}
	select {
	case q <- r:
		queuedRequests.Inc()
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.closing:
		return ErrClosed
	}
}

func (s *Scheduler) writeRequest(piece int, data []byte) (request, error) {
	if piece < 0 || piece >= s.layout.NumPieces() {
		return request{}, fmt.Errorf("piece %d out of range", piece)
	}
	if int64(len(data)) != s.layout.PieceLength(piece) {
		return request{}, fmt.Errorf("piece %d has length %d, got %d bytes", piece, s.layout.PieceLength(piece), len(data))
	}
	return request{
		kind:    opWrite,
		piece:   piece,
		data:    data,
		written: make(chan error, 1),
	}, nil
}

// Queues a whole piece for writing, waiting for space in the queue if necessary. The returned
// channel receives the outcome of the write. The scheduler owns data until then.
func (s *Scheduler) SubmitWrite(ctx context.Context, piece int, data []byte) (<-chan error, error) {
	r, err := s.writeRequest(piece, data)
	if err != nil {
		return nil, err
	}
	return r.written, s.submit(ctx, r, true)
}

// Like SubmitWrite, but returns ErrQueueFull rather than waiting.
func (s *Scheduler) TrySubmitWrite(piece int, data []byte) (<-chan error, error) {
	r, err := s.writeRequest(piece, data)
	if err != nil {
		return nil, err
	}
	return r.written, s.submit(context.Background(), r, false)
}

func (s *Scheduler) readRequest(piece int, begin, length int) (request, error) {
	if !s.layout.ValidRange(uint32(piece), uint32(begin), uint32(length)) || piece < 0 || begin < 0 {
		return request{}, fmt.Errorf("read of %d bytes at %d in piece %d out of bounds", length, begin, piece)
	}
	return request{
		kind:   opRead,
		piece:  piece,
		begin:  int64(begin),
		length: length,
		read:   make(chan ReadResult, 1),
	}, nil
}

// Queues a read within a piece. The result carries ErrNotFound if the piece hasn't been written.
func (s *Scheduler) SubmitRead(ctx context.Context, piece, begin, length int) (<-chan ReadResult, error) {
	r, err := s.readRequest(piece, begin, length)
	if err != nil {
		return nil, err
	}
	return r.read, s.submit(ctx, r, true)
}

func (s *Scheduler) TrySubmitRead(piece, begin, length int) (<-chan ReadResult, error) {
	r, err := s.readRequest(piece, begin, length)
	if err != nil {
		return nil, err
	}
	return r.read, s.submit(context.Background(), r, false)
}

// Reads back a whole piece and checks it against its digest, for data that was on disk before
// this session. A piece that checks out is treated as written. The result is nil if the piece is
// good.
func (s *Scheduler) SubmitVerify(ctx context.Context, piece int) (<-chan error, error) {
	if piece < 0 || piece >= s.layout.NumPieces() {
		return nil, fmt.Errorf("piece %d out of range", piece)
	}
	r := request{
		kind:     opVerify,
		piece:    piece,
		verified: make(chan error, 1),
	}
	return r.verified, s.submit(ctx, r, true)
}

func (s *Scheduler) Written(piece int) bool {
	s.writtenMu.Lock()
	defer s.writtenMu.Unlock()
	return s.written.Contains(uint32(piece))
}

func (s *Scheduler) markWritten(piece int) {
	s.writtenMu.Lock()
	defer s.writtenMu.Unlock()
	s.written.Add(uint32(piece))
}

func (s *Scheduler) isClosed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Scheduler) worker(q <-chan request) {
	for r := range q {
		queuedRequests.Dec()
		s.do(r)
		opDuration.WithLabelValues(r.kind.String()).Observe(time.Since(r.queued).Seconds())
	}
}

func (s *Scheduler) do(r request) {
	switch r.kind {
	case opWrite:
		// Writes that made it into a queue are always carried out.
		_, err := s.ts.WriteAt(r.data, s.layout.PieceOffset(r.piece))
		if err == nil {
			s.markWritten(r.piece)
		} else {
			err = fmt.Errorf("writing piece %d: %w", r.piece, err)
		}
		r.written <- err
	case opRead:
		if s.isClosed() {
			r.read <- ReadResult{Err: ErrClosed}
			return
		}
		if !s.Written(r.piece) {
			r.read <- ReadResult{Err: ErrNotFound}
			return
		}
		b := make([]byte, r.length)
		n, err := s.ts.ReadAt(b, s.layout.PieceOffset(r.piece)+r.begin)
		if n == len(b) {
			err = nil
		} else if err == nil {
			err = fmt.Errorf("short read of %d/%d bytes", n, len(b))
		}
		r.read <- ReadResult{Data: b, Err: err}
	case opVerify:
		if s.isClosed() {
			r.verified <- ErrClosed
			return
		}
		b := make([]byte, s.layout.PieceLength(r.piece))
		n, err := s.ts.ReadAt(b, s.layout.PieceOffset(r.piece))
		if n == len(b) {
			err = nil
		}
		if err == nil && !s.layout.CheckPiece(r.piece, b) {
			err = fmt.Errorf("piece %d data doesn't match its hash", r.piece)
		}
		if err == nil {
			s.markWritten(r.piece)
		}
		r.verified <- err
	}
}

// Stops accepting requests, finishes queued writes, abandons queued reads and closes the
// storage. Safe to call more than once.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
		s.mu.Unlock()
		s.eg.Wait()
		if f, ok := s.ts.(storage.Flusher); ok {
			if err := f.Flush(); err != nil {
				s.logger.Levelf(log.Warning, "flushing storage: %v", err)
			}
		}
		s.closeErr = s.ts.Close()
	})
	return s.closeErr
}
