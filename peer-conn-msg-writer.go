package torrent

import (
	"bytes"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	pp "github.com/kestrel-bt/torrent/peer_protocol"
)

// Buffered messages beyond this make the writer report itself full, so the session holds off
// queueing more uploads for the peer.
const writeBufferHighWaterLen = 1 << 17

type peerConnMsgWriter struct {
	closed *chansync.SetOnce
	logger log.Logger
	w      io.Writer

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// Pointer so we can swap with the "front buffer".
	writeBuffer *bytes.Buffer
}

func newPeerConnMsgWriter(w io.Writer, closed *chansync.SetOnce, logger log.Logger) *peerConnMsgWriter {
	return &peerConnMsgWriter{
		closed:      closed,
		logger:      logger,
		w:           w,
		writeBuffer: new(bytes.Buffer),
	}
}

// Writes queued messages to the peer in the order they were queued, and a keep-alive whenever
// nothing was written for keepAliveInterval. Returns when closed is set or a write fails.
func (cn *peerConnMsgWriter) run(keepAliveInterval time.Duration) error {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveInterval)
	defer keepAliveTimer.Stop()
	frontBuf := new(bytes.Buffer)
	for {
		if cn.closed.IsSet() {
			return nil
		}
		cn.mu.Lock()
		if cn.writeBuffer.Len() == 0 && time.Since(lastWrite) >= keepAliveInterval {
			cn.writeToBuffer(pp.KeepAlive{})
			writtenKeepalives.Add(1)
		}
		if cn.writeBuffer.Len() == 0 {
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
			case <-writeCond:
			case <-keepAliveTimer.C:
				keepAliveTimer.Reset(keepAliveInterval)
			}
			continue
		}
		// Flip the buffers.
		frontBuf, cn.writeBuffer = cn.writeBuffer, frontBuf
		cn.mu.Unlock()
		panicif.True(frontBuf.Len() == 0)
		_, err := frontBuf.WriteTo(cn.w)
		if err != nil {
			cn.logger.WithDefaultLevel(log.Debug).Printf("error writing: %v", err)
			return err
		}
		frontBuf.Reset()
		lastWrite = time.Now()
		keepAliveTimer.Reset(keepAliveInterval)
	}
}

// Queues a message. Returns false if the buffer is above its high water mark.
func (cn *peerConnMsgWriter) write(msg pp.Message) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.writeToBuffer(msg)
	cn.writeCond.Broadcast()
	return !cn.writeBufferFull()
}

func (cn *peerConnMsgWriter) writeToBuffer(msg pp.Message) {
	b, err := msg.AppendBinary(cn.writeBuffer.AvailableBuffer())
	panicif.Err(err)
	cn.writeBuffer.Write(b)
}

func (cn *peerConnMsgWriter) writeBufferFull() bool {
	return cn.writeBuffer.Len() >= writeBufferHighWaterLen
}

func (cn *peerConnMsgWriter) full() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.writeBufferFull()
}
