// Package layout describes how a torrent's linear byte space divides into pieces and the blocks
// that are exchanged on the wire.
package layout

import (
	"crypto/sha1"
	"fmt"
	"iter"

	"github.com/pkg/errors"
)

// The canonical block length. Only the last block of a piece may be shorter.
const BlockSize = 1 << 14

type Hash = [sha1.Size]byte

// A File is a span of the torrent's byte space that is stored under Path. Files are laid out
// back to back in the order given.
type File struct {
	Path   []string
	Length int64
}

// Layout is immutable once built.
type Layout struct {
	totalLength int64
	pieceLength int64
	hashes      []Hash
	files       []File
}

func New(totalLength, pieceLength int64, hashes []Hash, files []File) (*Layout, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("bad piece length %v", pieceLength)
	}
	if pieceLength > 1<<31 {
		return nil, fmt.Errorf("piece length %v too large", pieceLength)
	}
	if totalLength < 0 {
		return nil, fmt.Errorf("bad total length %v", totalLength)
	}
	numPieces := int((totalLength + pieceLength - 1) / pieceLength)
	if len(hashes) != numPieces {
		return nil, fmt.Errorf("have %v piece hashes, expected %v", len(hashes), numPieces)
	}
	if len(files) == 0 {
		files = []File{{Length: totalLength}}
	}
	var sum int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, errors.Errorf("file %q has negative length", f.Path)
		}
		sum += f.Length
	}
	if sum != totalLength {
		return nil, errors.Errorf("file lengths sum to %v, torrent length is %v", sum, totalLength)
	}
	return &Layout{
		totalLength: totalLength,
		pieceLength: pieceLength,
		hashes:      append([]Hash(nil), hashes...),
		files:       append([]File(nil), files...),
	}, nil
}

// Splits concatenated 20 byte digests, as found in a metainfo's pieces field.
func SplitHashes(b []byte) ([]Hash, error) {
	if len(b)%sha1.Size != 0 {
		return nil, fmt.Errorf("pieces field has length %v, not a multiple of %v", len(b), sha1.Size)
	}
	ret := make([]Hash, len(b)/sha1.Size)
	for i := range ret {
		copy(ret[i][:], b[i*sha1.Size:])
	}
	return ret, nil
}

func (l *Layout) TotalLength() int64 { return l.totalLength }

func (l *Layout) NumPieces() int { return len(l.hashes) }

func (l *Layout) Files() []File { return l.files }

func (l *Layout) Hash(piece int) Hash { return l.hashes[piece] }

// Nominal piece length. See PieceLength for the length of a particular piece.
func (l *Layout) PieceSize() int64 { return l.pieceLength }

func (l *Layout) PieceOffset(piece int) int64 {
	return int64(piece) * l.pieceLength
}

func (l *Layout) PieceLength(piece int) int64 {
	if piece < 0 || piece >= l.NumPieces() {
		return 0
	}
	if piece == l.NumPieces()-1 {
		return l.totalLength - l.PieceOffset(piece)
	}
	return l.pieceLength
}

func (l *Layout) NumBlocks(piece int) int {
	return int((l.PieceLength(piece) + BlockSize - 1) / BlockSize)
}

// Returns the block at the given index within the piece.
func (l *Layout) Block(piece, index int) Block {
	begin := int64(index) * BlockSize
	return Block{
		Piece:  uint32(piece),
		Begin:  uint32(begin),
		Length: uint32(min(BlockSize, l.PieceLength(piece)-begin)),
	}
}

func (l *Layout) Blocks(piece int) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		for i := range l.NumBlocks(piece) {
			if !yield(l.Block(piece, i)) {
				return
			}
		}
	}
}

// Index of the block within its piece. Only meaningful for blocks the Layout produced.
func (l *Layout) BlockIndex(b Block) int {
	return int(b.Begin / BlockSize)
}

// Reports whether the block is one this layout would produce: aligned to BlockSize and with the
// exact length of the block at that position.
func (l *Layout) ValidBlock(b Block) bool {
	if int64(b.Piece) >= int64(l.NumPieces()) {
		return false
	}
	if b.Begin%BlockSize != 0 {
		return false
	}
	if int64(b.Begin) >= l.PieceLength(int(b.Piece)) {
		return false
	}
	return l.Block(int(b.Piece), l.BlockIndex(b)) == b
}

// Reports whether the range lies within the piece. Remote requests need not be block aligned.
func (l *Layout) ValidRange(piece, begin, length uint32) bool {
	if int64(piece) >= int64(l.NumPieces()) || length == 0 {
		return false
	}
	return int64(begin)+int64(length) <= l.PieceLength(int(piece))
}

// Verifies data against the digest for the piece.
func (l *Layout) CheckPiece(piece int, data []byte) bool {
	return int64(len(data)) == l.PieceLength(piece) && sha1.Sum(data) == l.hashes[piece]
}
