package torrent

import (
	"net"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/kestrel-bt/torrent/diskio"
	pp "github.com/kestrel-bt/torrent/peer_protocol"
)

// Everything the event loop reacts to arrives as one of these. Goroutines other than the loop
// never touch loop-owned state; they post events instead.
type event interface {
	isEvent()
}

type (
	connMessageEvent struct {
		c   *PeerConn
		msg pp.Message
	}
	connClosedEvent struct {
		c   *PeerConn
		err error
	}
	// An outgoing connection's TCP connection is up and the handshake is underway.
	dialConnectedEvent struct {
		c *PeerConn
	}
	handshakeDoneEvent struct {
		c   *PeerConn
		nc  net.Conn
		res pp.HandshakeResult
		err error
	}
	incomingConnEvent struct {
		nc  net.Conn
		res pp.HandshakeResult
	}
	pieceWrittenEvent struct {
		piece int
		err   error
	}
	pieceCheckedEvent struct {
		piece int
		err   error
	}
	uploadReadEvent struct {
		c   *PeerConn
		r   pp.RequestSpec
		res diskio.ReadResult
	}
	peersFoundEvent struct {
		source string
		peers  []PeerInfo
	}
	commandEvent struct {
		f    func()
		done chan struct{}
	}
)

func (connMessageEvent) isEvent()   {}
func (connClosedEvent) isEvent()    {}
func (dialConnectedEvent) isEvent() {}
func (handshakeDoneEvent) isEvent() {}
func (incomingConnEvent) isEvent()  {}
func (pieceWrittenEvent) isEvent()  {}
func (pieceCheckedEvent) isEvent()  {}
func (uploadReadEvent) isEvent()    {}
func (peersFoundEvent) isEvent()    {}
func (commandEvent) isEvent()       {}

func (t *Torrent) handleEvent(ev event) {
	switch e := ev.(type) {
	case connMessageEvent:
		if !e.c.established() {
			if m, ok := e.msg.(pp.Piece); ok {
				t.putChunkBuffer(m.Block)
			}
			return
		}
		if err := e.c.onMessage(e.msg); err != nil {
			e.c.close(err)
		}
	case connClosedEvent:
		e.c.close(e.err)
	case dialConnectedEvent:
		if e.c.state == PeerConnConnecting {
			e.c.setState(PeerConnHandshaking)
		}
	case handshakeDoneEvent:
		t.onHandshakeDone(e)
	case incomingConnEvent:
		t.onIncomingConn(e.nc, e.res)
	case pieceWrittenEvent:
		t.onPieceWritten(e.piece, e.err)
	case pieceCheckedEvent:
		t.onPieceChecked(e.piece, e.err)
	case uploadReadEvent:
		if e.c.state < PeerConnClosing {
			e.c.onUploadRead(e.r, e.res)
		}
	case peersFoundEvent:
		t.addPeers(e.peers)
		t.logger.Levelf(log.Debug, "%d peers from %s", len(e.peers), e.source)
	case commandEvent:
		e.f()
		close(e.done)
	default:
		panic(errors.Errorf("unhandled event %T", ev))
	}
}
