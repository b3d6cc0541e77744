package picker

import (
	"testing"

	"github.com/bradfitz/iter"
	qt "github.com/go-quicktest/qt"
)

func orderIndexes(o *pieceOrder) (ret []int) {
	for item := range o.Iter() {
		ret = append(ret, item.index)
	}
	return
}

func TestPieceOrder(t *testing.T) {
	o := newPieceOrder(4)
	o.Set(0, orderState{Availability: 2})
	o.Set(1, orderState{Availability: 1})
	o.Set(2, orderState{Availability: 3, Partial: true})
	o.Set(3, orderState{Availability: 1})
	qt.Check(t, qt.DeepEquals(orderIndexes(o), []int{2, 1, 3, 0}))
	o.Set(3, orderState{Availability: 0})
	qt.Check(t, qt.DeepEquals(orderIndexes(o), []int{2, 3, 1, 0}))
	qt.Check(t, qt.IsTrue(o.Delete(2)))
	qt.Check(t, qt.IsFalse(o.Delete(2)))
	qt.Check(t, qt.Equals(o.Len(), 3))
	qt.Check(t, qt.IsFalse(o.Get(2).Ok))
}

func BenchmarkPieceOrderUpdates(b *testing.B) {
	const numPieces = 10000
	b.ReportAllocs()
	for range iter.N(b.N) {
		o := newPieceOrder(numPieces)
		for i := range iter.N(numPieces) {
			o.Set(i, orderState{})
		}
		for i := range iter.N(numPieces) {
			o.Set(i, orderState{Availability: i % 7})
		}
		for range o.Iter() {
		}
	}
}
