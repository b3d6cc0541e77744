package peer_protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/bradfitz/iter"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func BenchmarkDecodePieces(t *testing.B) {
	r, w := io.Pipe()
	const pieceLen = 1 << 14
	b := MustMarshalBinary(Piece{
		Index: 0,
		Begin: 1,
		Block: make([]byte, pieceLen),
	})
	t.SetBytes(int64(len(b)))
	defer r.Close()
	go func() {
		defer w.Close()
		for {
			_, err := w.Write(b)
			if err == io.ErrClosedPipe {
				return
			}
		}
	}()
	d := Decoder{
		R:         bufio.NewReader(r),
		MaxLength: 1 << 18,
		Pool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, pieceLen)
				return &b
			},
		},
	}
	for range iter.N(t.N) {
		msg, err := d.Decode()
		require.NoError(t, err)
		block := msg.(Piece).Block
		d.Pool.Put(&block)
	}
}

func newDecoder(b []byte) *Decoder {
	return &Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		MaxLength: 256 * 1024,
	}
}

func TestDecodeEveryVariant(t *testing.T) {
	msgs := []Message{
		KeepAlive{},
		Choke{},
		Unchoke{},
		Interested{},
		NotInterested{},
		Have{Index: 42},
		Bitfield{Bits: []bool{true, false, true, false, false, false, false, true}},
		Request{Index: 1, Begin: 1 << 14, Length: 1 << 14},
		Cancel{Index: 1, Begin: 1 << 14, Length: 1 << 14},
		Piece{Index: 3, Begin: 16, Block: []byte("some block data")},
	}
	var stream []byte
	for _, m := range msgs {
		var err error
		stream, err = m.AppendBinary(stream)
		require.NoError(t, err)
	}
	d := newDecoder(stream)
	for _, m := range msgs {
		got, err := d.Decode()
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.Equal(t, m.Type(), got.Type())
	}
	_, err := d.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeTooLong(t *testing.T) {
	d := newDecoder(MustMarshalBinary(Piece{Block: make([]byte, 100)}))
	d.MaxLength = 50
	_, err := d.Decode()
	qt.Assert(t, qt.ErrorIs(err, ErrMessageTooLong))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := newDecoder([]byte("\x00\x00\x00\x01\x14")).Decode()
	qt.Assert(t, qt.ErrorIs(err, ErrUnknownMessageType))
}

func TestDecodeWrongFixedLength(t *testing.T) {
	// A have message with a 3 byte payload.
	_, err := newDecoder([]byte("\x00\x00\x00\x04\x04\x00\x00\x01")).Decode()
	qt.Assert(t, qt.ErrorIs(err, ErrBadMessageLength))
	// Choke with a trailing byte.
	_, err = newDecoder([]byte("\x00\x00\x00\x02\x00\x00")).Decode()
	qt.Assert(t, qt.ErrorIs(err, ErrBadMessageLength))
	// Piece too short to hold index and begin.
	_, err = newDecoder([]byte("\x00\x00\x00\x05\x07\x00\x00\x00\x01")).Decode()
	qt.Assert(t, qt.ErrorIs(err, ErrBadMessageLength))
}

func TestDecodeTruncated(t *testing.T) {
	b := MustMarshalBinary(Request{1, 2, 3})
	_, err := newDecoder(b[:len(b)-1]).Decode()
	qt.Assert(t, qt.IsTrue(errors.Is(err, io.ErrUnexpectedEOF)))
	// Truncated in the length prefix.
	_, err = newDecoder(b[:2]).Decode()
	qt.Assert(t, qt.IsTrue(errors.Is(err, io.ErrUnexpectedEOF)))
}

func TestDecodePieceLargerThanPoolBuffers(t *testing.T) {
	pool := sync.Pool{New: func() any {
		b := make([]byte, 16)
		return &b
	}}
	d := newDecoder(MustMarshalBinary(Piece{Index: 1, Block: make([]byte, 17)}))
	d.Pool = &pool
	_, err := d.Decode()
	qt.Assert(t, qt.ErrorIs(err, ErrMessageTooLong))
	// One that fits still decodes from the same pool.
	d = newDecoder(MustMarshalBinary(Piece{Index: 1, Block: []byte("sixteen bytes!!!")}))
	d.Pool = &pool
	msg, err := d.Decode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(msg.(Piece).Block), "sixteen bytes!!!"))
}

func TestDecodeTruncatedPieceWithPool(t *testing.T) {
	pool := sync.Pool{New: func() any {
		b := make([]byte, 1<<14)
		return &b
	}}
	b := MustMarshalBinary(Piece{Index: 1, Block: make([]byte, 100)})
	d := newDecoder(b[:len(b)-10])
	d.Pool = &pool
	msg, err := d.Decode()
	qt.Assert(t, qt.ErrorIs(err, io.ErrUnexpectedEOF))
	qt.Assert(t, qt.IsNil(msg))
}
