package test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

// AssertIndependentCopies checks that two snapshots taken from a device are
// equal and that neither refers to memory held by the other. A snapshot that
// shares a map or a slice with another would also share it with the device.
func AssertIndependentCopies(t *testing.T, a, b any) {
	t.Helper()
	if !assert.Equal(t, a, b) {
		return
	}

	w := copyWalker{t: t}
	w.walk(reflect.ValueOf(a), reflect.ValueOf(b), fmt.Sprintf("%T", a))
}

type copyWalker struct {
	t *testing.T
}

func (w copyWalker) walk(a, b reflect.Value, path string) {
	switch a.Kind() {
	case reflect.Pointer:
		if a.IsNil() || b.IsNil() {
			return
		}
		if w.distinct(a.Pointer(), b.Pointer(), path) {
			w.walk(a.Elem(), b.Elem(), path)
		}

	case reflect.Interface:
		if !a.IsNil() && !b.IsNil() {
			w.walk(a.Elem(), b.Elem(), path)
		}

	case reflect.Map:
		if a.IsNil() || b.IsNil() {
			return
		}
		if !w.distinct(a.Pointer(), b.Pointer(), path) {
			return
		}
		iter := a.MapRange()
		for iter.Next() {
			bv := b.MapIndex(iter.Key())
			if bv.IsValid() {
				w.walk(iter.Value(), bv, fmt.Sprintf("%s[%v]", path, iter.Key()))
			}
		}

	case reflect.Slice:
		if a.Cap() == 0 || b.Cap() == 0 {
			return
		}
		size := a.Type().Elem().Size()
		aStart, bStart := a.Pointer(), b.Pointer()
		aEnd, bEnd := aStart+uintptr(a.Cap())*size, bStart+uintptr(b.Cap())*size
		if aStart < bEnd && bStart < aEnd {
			assert.Fail(w.t, "shared backing array", "%s overlaps between the two copies", path)
			return
		}
		for i := 0; i < a.Len(); i++ {
			w.walk(a.Index(i), b.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}

	case reflect.Array:
		for i := 0; i < a.Len(); i++ {
			w.walk(a.Index(i), b.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}

	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			w.walk(a.Field(i), b.Field(i), path+"."+a.Type().Field(i).Name)
		}
	}
}

func (w copyWalker) distinct(a, b uintptr, path string) bool {
	return assert.NotEqual(w.t, a, b, "%s is shared between the two copies", path)
}
