package peer_protocol

import (
	"errors"
	"fmt"
)

var ErrBitfieldSpareBits = errors.New("bitfield has spare bits set")

// Checks a received bitfield against the torrent's piece count. The decoded field is a whole
// number of bytes, so it has up to 7 spare bits that must be clear.
func (m Bitfield) Validate(numPieces int) error {
	want := (numPieces + 7) / 8 * 8
	if len(m.Bits) != want {
		return fmt.Errorf("bitfield has %d bits, expected %d for %d pieces", len(m.Bits), want, numPieces)
	}
	for _, b := range m.Bits[numPieces:] {
		if b {
			return ErrBitfieldSpareBits
		}
	}
	return nil
}

// Returns the indices of set bits below numPieces.
func (m Bitfield) Pieces(numPieces int) (ret []uint32) {
	for i, b := range m.Bits[:min(numPieces, len(m.Bits))] {
		if b {
			ret = append(ret, uint32(i))
		}
	}
	return
}
