package torrent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"
)

// A counter that's safe to bump from connection goroutines while the session reads it.
type Count struct {
	n atomic.Int64
}

var _ fmt.Stringer = (*Count)(nil)

func (me *Count) Add(n int64) {
	me.n.Add(n)
}

func (me *Count) Int64() int64 {
	return me.n.Load()
}

func (me *Count) String() string {
	return fmt.Sprintf("%v", me.Int64())
}

func (me *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(me.Int64())
}

// Every field of T must be a Count.
func copyCountFields[T any](src *T) (dst T) {
	srcValue := reflect.ValueOf(src).Elem()
	dstValue := reflect.ValueOf(&dst).Elem()
	for i := 0; i < reflect.TypeFor[T]().NumField(); i++ {
		n := srcValue.Field(i).Addr().Interface().(*Count).Int64()
		dstValue.Field(i).Addr().Interface().(*Count).Add(n)
	}
	return
}
