package torrent

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrTorrentClosed    = errors.New("torrent closed")
	ErrTorrentPaused    = errors.New("torrent paused")
	ErrClientClosed     = errors.New("client closed")
	ErrTorrentExists    = errors.New("torrent already added")
	ErrInfoHashMismatch = errors.New("peer handshake has wrong infohash")
	ErrConnectedToSelf  = errors.New("connected to self")
	ErrDuplicatePeer    = errors.New("already connected to peer ID")
	ErrTooManyConns     = errors.New("too many connections")
	ErrPeerBanned       = errors.New("peer banned")
	// Peer sent something the protocol forbids. The connection can't continue.
	ErrProtocolViolation = errors.New("protocol violation")
)

func protocolError(format string, args ...any) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}

// Connection-local errors are expected when talking to arbitrary peers and don't warrant more than
// debug logging.
func isConnLocalError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrProtocolViolation) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled)
}
