package picker

import (
	"iter"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/tidwall/btree"
)

type orderState struct {
	Availability int
	// The piece has received blocks or has requests outstanding.
	Partial bool
}

type orderItem struct {
	index int
	state orderState
}

// Rarest first, but finish what's started before opening new pieces. Index breaks ties so the
// order is deterministic.
func orderLess(i, j orderItem) multiless.Computation {
	return multiless.New().Bool(
		j.state.Partial, i.state.Partial,
	).Int(
		i.state.Availability, j.state.Availability,
	).Int(
		i.index, j.index,
	)
}

// Requestable pieces in the order they should be considered.
type pieceOrder struct {
	tree     *btree.BTreeG[orderItem]
	pathHint btree.PathHint
	keys     []g.Option[orderState]
	len      int
}

func newPieceOrder(numPieces int) *pieceOrder {
	return &pieceOrder{
		tree: btree.NewBTreeGOptions(
			func(a, b orderItem) bool {
				return orderLess(a, b).Less()
			},
			btree.Options{NoLocks: true, Degree: 64},
		),
		keys: make([]g.Option[orderState], numPieces),
	}
}

// Adds or updates the piece's position.
func (me *pieceOrder) Set(index int, state orderState) {
	old := me.keys[index]
	if old.Ok {
		if old.Value == state {
			return
		}
		_, deleted := me.tree.DeleteHint(orderItem{index, old.Value}, &me.pathHint)
		panicif.False(deleted)
	} else {
		me.len++
	}
	_, replaced := me.tree.SetHint(orderItem{index, state}, &me.pathHint)
	panicif.True(replaced)
	me.keys[index].Set(state)
}

func (me *pieceOrder) Delete(index int) bool {
	old := me.keys[index]
	if !old.Ok {
		return false
	}
	_, deleted := me.tree.DeleteHint(orderItem{index, old.Value}, &me.pathHint)
	panicif.False(deleted)
	me.keys[index] = g.None[orderState]()
	me.len--
	return true
}

func (me *pieceOrder) Get(index int) g.Option[orderState] {
	return me.keys[index]
}

func (me *pieceOrder) Len() int {
	return me.len
}

func (me *pieceOrder) Iter() iter.Seq[orderItem] {
	return func(yield func(orderItem) bool) {
		me.tree.Scan(yield)
	}
}
