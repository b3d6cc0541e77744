package peer_protocol

import (
	"encoding"
	"fmt"
)

const Protocol = "\x13BitTorrent protocol"

type MessageType byte

const (
	ChokeType         MessageType = iota // 0
	UnchokeType                          // 1
	InterestedType                       // 2
	NotInterestedType                    // 3
	HaveType                             // 4
	BitfieldType                         // 5
	RequestType                          // 6
	PieceType                            // 7
	CancelType                           // 8

	// Never appears on the wire. Keep-alives are zero length messages without a type byte.
	KeepAliveType MessageType = 0xff
)

var messageTypeNames = [...]string{
	"choke", "unchoke", "interested", "not interested", "have", "bitfield", "request", "piece",
	"cancel",
}

func (mt MessageType) String() string {
	if int(mt) < len(messageTypeNames) {
		return messageTypeNames[mt]
	}
	if mt == KeepAliveType {
		return "keep-alive"
	}
	return fmt.Sprintf("unknown message type %d", byte(mt))
}

// Message is one of the variants declared in this package. The set is closed: handle it with a
// type switch over KeepAlive, Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request,
// Piece and Cancel.
type Message interface {
	Type() MessageType
	// Appends the length prefixed wire form.
	encoding.BinaryAppender
	isMessage()
}

type (
	KeepAlive     struct{}
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}
	Have          struct{ Index Integer }
	Bitfield      struct{ Bits []bool }
	Request       RequestSpec
	Cancel        RequestSpec
	Piece         struct {
		Index, Begin Integer
		Block        []byte
	}
)

var (
	_ Message = KeepAlive{}
	_ Message = Choke{}
	_ Message = Unchoke{}
	_ Message = Interested{}
	_ Message = NotInterested{}
	_ Message = Have{}
	_ Message = Bitfield{}
	_ Message = Request{}
	_ Message = Cancel{}
	_ Message = Piece{}
)

func (KeepAlive) isMessage()     {}
func (Choke) isMessage()         {}
func (Unchoke) isMessage()       {}
func (Interested) isMessage()    {}
func (NotInterested) isMessage() {}
func (Have) isMessage()          {}
func (Bitfield) isMessage()      {}
func (Request) isMessage()       {}
func (Cancel) isMessage()        {}
func (Piece) isMessage()         {}

func (KeepAlive) Type() MessageType     { return KeepAliveType }
func (Choke) Type() MessageType         { return ChokeType }
func (Unchoke) Type() MessageType       { return UnchokeType }
func (Interested) Type() MessageType    { return InterestedType }
func (NotInterested) Type() MessageType { return NotInterestedType }
func (Have) Type() MessageType          { return HaveType }
func (Bitfield) Type() MessageType      { return BitfieldType }
func (Request) Type() MessageType       { return RequestType }
func (Cancel) Type() MessageType        { return CancelType }
func (Piece) Type() MessageType         { return PieceType }

func appendHeader(b []byte, length int, mt MessageType) []byte {
	b = appendInteger(b, Integer(length+1))
	return append(b, byte(mt))
}

func (KeepAlive) AppendBinary(b []byte) ([]byte, error) {
	return appendInteger(b, 0), nil
}

func (Choke) AppendBinary(b []byte) ([]byte, error) {
	return appendHeader(b, 0, ChokeType), nil
}

func (Unchoke) AppendBinary(b []byte) ([]byte, error) {
	return appendHeader(b, 0, UnchokeType), nil
}

func (Interested) AppendBinary(b []byte) ([]byte, error) {
	return appendHeader(b, 0, InterestedType), nil
}

func (NotInterested) AppendBinary(b []byte) ([]byte, error) {
	return appendHeader(b, 0, NotInterestedType), nil
}

func (m Have) AppendBinary(b []byte) ([]byte, error) {
	b = appendHeader(b, 4, HaveType)
	return appendInteger(b, m.Index), nil
}

func (m Bitfield) AppendBinary(b []byte) ([]byte, error) {
	b = appendHeader(b, (len(m.Bits)+7)/8, BitfieldType)
	return appendBitfield(b, m.Bits), nil
}

func (m Request) AppendBinary(b []byte) ([]byte, error) {
	return RequestSpec(m).appendTo(appendHeader(b, 12, RequestType)), nil
}

func (m Cancel) AppendBinary(b []byte) ([]byte, error) {
	return RequestSpec(m).appendTo(appendHeader(b, 12, CancelType)), nil
}

func (m Piece) AppendBinary(b []byte) ([]byte, error) {
	b = appendHeader(b, 8+len(m.Block), PieceType)
	b = appendInteger(b, m.Index)
	b = appendInteger(b, m.Begin)
	return append(b, m.Block...), nil
}

// The spec of the block a piece message carries.
func (m Piece) Spec() RequestSpec {
	return RequestSpec{m.Index, m.Begin, Integer(len(m.Block))}
}

// Returns the wire form of a message. None of the variants fail to encode.
func MustMarshalBinary(m Message) []byte {
	b, err := m.AppendBinary(nil)
	if err != nil {
		panic(err)
	}
	return b
}

func appendBitfield(b []byte, bf []bool) []byte {
	start := len(b)
	b = append(b, make([]byte, (len(bf)+7)/8)...)
	for i, have := range bf {
		if have {
			b[start+i/8] |= 1 << uint(7-i%8)
		}
	}
	return b
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, 8*len(b))
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}
