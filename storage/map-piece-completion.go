package storage

import (
	"sync"
)

type mapPieceCompletion struct {
	mu sync.Mutex
	m  map[PieceKey]bool
}

var _ PieceCompletion = (*mapPieceCompletion)(nil)

func NewMapPieceCompletion() PieceCompletion {
	return &mapPieceCompletion{m: make(map[PieceKey]bool)}
}

func (*mapPieceCompletion) Close() error { return nil }

func (me *mapPieceCompletion) Get(pk PieceKey) (c Completion, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	c.Complete, c.Ok = me.m[pk]
	return
}

func (me *mapPieceCompletion) Set(pk PieceKey, b bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.m[pk] = b
	return nil
}
