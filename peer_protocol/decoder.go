package peer_protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrMessageTooLong     = errors.New("message too long")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrBadMessageLength   = errors.New("bad message length")
)

type Decoder struct {
	R *bufio.Reader
	// Optional source of *[]byte for piece payloads, which must be large enough for any block
	// the decoder accepts.
	Pool *sync.Pool
	// Maximum length of a message, excluding the length prefix.
	MaxLength Integer
}

// io.EOF is returned if the source terminates cleanly on a message boundary. All other errors mean
// the stream can't be trusted any further.
func (d *Decoder) Decode() (msg Message, err error) {
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		if err == io.EOF {
			return
		}
		return nil, fmt.Errorf("reading message length: %w", err)
	}
	if length > d.MaxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, length, d.MaxLength)
	}
	if length == 0 {
		return KeepAlive{}, nil
	}
	// From this point onwards, EOF is unexpected.
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := d.R.ReadByte()
	if err != nil {
		return
	}
	mt := MessageType(c)
	length--
	wantLength := func(n Integer) error {
		if length != n {
			return fmt.Errorf("%w: %v payload has %d bytes, expected %d", ErrBadMessageLength, mt, length, n)
		}
		return nil
	}
	switch mt {
	case ChokeType, UnchokeType, InterestedType, NotInterestedType:
		if err = wantLength(0); err != nil {
			return
		}
		switch mt {
		case ChokeType:
			msg = Choke{}
		case UnchokeType:
			msg = Unchoke{}
		case InterestedType:
			msg = Interested{}
		default:
			msg = NotInterested{}
		}
	case HaveType:
		if err = wantLength(4); err != nil {
			return
		}
		var m Have
		err = m.Index.Read(d.R)
		msg = m
	case RequestType, CancelType:
		if err = wantLength(12); err != nil {
			return
		}
		var rs RequestSpec
		for _, i := range []*Integer{&rs.Index, &rs.Begin, &rs.Length} {
			err = i.Read(d.R)
			if err != nil {
				return
			}
		}
		if mt == RequestType {
			msg = Request(rs)
		} else {
			msg = Cancel(rs)
		}
	case BitfieldType:
		b := make([]byte, length)
		_, err = io.ReadFull(d.R, b)
		msg = Bitfield{unmarshalBitfield(b)}
	case PieceType:
		if length < 8 {
			return nil, fmt.Errorf("%w: piece message payload of %d bytes", ErrBadMessageLength, length)
		}
		var m Piece
		for _, i := range []*Integer{&m.Index, &m.Begin} {
			err = i.Read(d.R)
			if err != nil {
				return
			}
		}
		dataLen := int(length - 8)
		if d.Pool == nil {
			m.Block = make([]byte, dataLen)
		} else {
			bp := d.Pool.Get().(*[]byte)
			if cap(*bp) < dataLen {
				d.Pool.Put(bp)
				return nil, fmt.Errorf("%w: piece data of %d bytes, buffers hold %d", ErrMessageTooLong, dataLen, cap(*bp))
			}
			m.Block = (*bp)[:dataLen]
			defer func() {
				if err != nil {
					d.Pool.Put(bp)
				}
			}()
		}
		_, err = io.ReadFull(d.R, m.Block)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, c)
	}
	if err != nil {
		msg = nil
	}
	return
}
