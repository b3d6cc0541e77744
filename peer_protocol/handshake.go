package peer_protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
)

const HandshakeLength = len(Protocol) + 8 + 20 + 20

type ExtensionBit uint

// Bits we know the names of. None are negotiated: the engine only speaks the base protocol, but
// it's useful to log what peers advertise.
const (
	ExtensionBitDht  ExtensionBit = 0  // BEP 5
	ExtensionBitFast ExtensionBit = 2  // BEP 6
	ExtensionBitLtep ExtensionBit = 20 // BEP 10
)

type PeerExtensionBits [8]byte

func (pex PeerExtensionBits) String() string {
	return hex.EncodeToString(pex[:])
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

type HandshakeResult struct {
	PeerExtensionBits
	PeerID   [20]byte
	InfoHash [20]byte
}

func handshakeWriter(w io.Writer, bb <-chan []byte, done chan<- error) {
	var err error
	for b := range bb {
		_, err = w.Write(b)
		if err != nil {
			break
		}
	}
	done <- err
}

// Sets an immediate deadline on the socket when ctx is done, if the socket supports deadlines.
func interruptOnDone(ctx context.Context, sock io.ReadWriter) (stop func() bool) {
	d, ok := sock.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return func() bool { return false }
	}
	if deadline, ok := ctx.Deadline(); ok {
		d.SetDeadline(deadline)
	}
	return context.AfterFunc(ctx, func() {
		d.SetDeadline(time.Unix(1, 0))
	})
}

// ih is nil if we expect the peer to declare the infohash, such as when the peer initiated the
// connection. The caller decides whether the declared infohash is acceptable; if it isn't, the
// caller should close the socket before we would have sent our peer ID.
func Handshake(
	ctx context.Context,
	sock io.ReadWriter,
	ih *[20]byte,
	peerID [20]byte,
	extensions PeerExtensionBits,
) (
	res HandshakeResult, err error,
) {
	stop := interruptOnDone(ctx, sock)
	defer stop()
	// Bytes to be sent to the peer. Should never block the sender.
	postCh := make(chan []byte, 4)
	// A single error value sent when the writer completes.
	writeDone := make(chan error, 1)
	go handshakeWriter(sock, postCh, writeDone)

	defer func() {
		close(postCh)
		if err != nil {
			return
		}
		// Wait until writes complete before returning from handshake.
		err = <-writeDone
		if err != nil {
			err = fmt.Errorf("error writing: %w", err)
		}
	}()

	post := func(bb []byte) {
		panicif.SendBlocks(postCh, bb)
	}

	post([]byte(Protocol))
	post(extensions[:])
	if ih != nil {
		post(ih[:])
		post(peerID[:])
	}

	b := make([]byte, HandshakeLength)
	_, err = io.ReadFull(sock, b)
	if err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		return res, fmt.Errorf("while reading: %w", err)
	}
	p := b[:len(Protocol)]
	if string(p) != Protocol {
		return res, fmt.Errorf("unexpected protocol string %q", string(p))
	}
	b = b[len(p):]
	read := func(dst []byte) {
		n := copy(dst, b)
		panicif.NotEq(n, len(dst))
		b = b[n:]
	}
	read(res.PeerExtensionBits[:])
	read(res.InfoHash[:])
	read(res.PeerID[:])
	panicif.NotEq(len(b), 0)

	if ih == nil {
		post(res.InfoHash[:])
		post(peerID[:])
	}
	return
}
