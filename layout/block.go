package layout

import "fmt"

// Block identifies a byte range within a piece.
type Block struct {
	Piece  uint32
	Begin  uint32
	Length uint32
}

func (b Block) String() string {
	return fmt.Sprintf("{%d %d %d}", b.Piece, b.Begin, b.Length)
}

// Offset of the block in the torrent's byte space.
func (b Block) Offset(l *Layout) int64 {
	return l.PieceOffset(int(b.Piece)) + int64(b.Begin)
}

func (b Block) End() uint32 {
	return b.Begin + b.Length
}
