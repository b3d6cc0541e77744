package peer_protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalWireForms(t *testing.T) {
	for _, tc := range []struct {
		msg  Message
		wire string
	}{
		{KeepAlive{}, "\x00\x00\x00\x00"},
		{Choke{}, "\x00\x00\x00\x01\x00"},
		{Unchoke{}, "\x00\x00\x00\x01\x01"},
		{Interested{}, "\x00\x00\x00\x01\x02"},
		{NotInterested{}, "\x00\x00\x00\x01\x03"},
		{Have{Index: 2}, "\x00\x00\x00\x05\x04\x00\x00\x00\x02"},
		{Bitfield{Bits: []bool{false, true, false}}, "\x00\x00\x00\x02\x05@"},
		{Request{1, 2, 3}, "\x00\x00\x00\x0d\x06\x00\x00\x00\x01\x00\x00\x00\x02\x00\x00\x00\x03"},
		{Cancel{1, 2, 3}, "\x00\x00\x00\x0d\x08\x00\x00\x00\x01\x00\x00\x00\x02\x00\x00\x00\x03"},
		{Piece{Index: 1, Begin: 2, Block: []byte("ab")}, "\x00\x00\x00\x0b\x07\x00\x00\x00\x01\x00\x00\x00\x02ab"},
	} {
		assert.Equal(t, tc.wire, string(MustMarshalBinary(tc.msg)), "%T", tc.msg)
	}
}

func TestAppendBinaryPreservesPrefix(t *testing.T) {
	b, err := Have{Index: 1}.AppendBinary([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, "xyz\x00\x00\x00\x05\x04\x00\x00\x00\x01", string(b))
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "piece", PieceType.String())
	assert.Equal(t, "keep-alive", KeepAlive{}.Type().String())
	assert.Equal(t, "unknown message type 20", MessageType(20).String())
}

func TestPieceSpec(t *testing.T) {
	assert.Equal(t, RequestSpec{1, 2, 5}, Piece{Index: 1, Begin: 2, Block: make([]byte, 5)}.Spec())
}
