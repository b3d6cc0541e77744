package peer_protocol

import (
	"encoding/binary"
	"io"
)

type Integer uint32

func (i *Integer) Read(r io.Reader) error {
	var b [4]byte
	_, err := io.ReadFull(r, b[:])
	*i = Integer(binary.BigEndian.Uint32(b[:]))
	return err
}

func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Uint32() uint32 {
	return uint32(i)
}

func appendInteger(b []byte, i Integer) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(i))
}
