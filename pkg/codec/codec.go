// Package codec provides the payload encoders and decoders used to
// describe operations.
//
// Each codec exposes method values with the shapes expected by
// `mqrpc.NewPublishAction` and `mqrpc.NewSubscribeAction`.
package codec

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrNilMessage = errors.New("codec: cannot encode a nil message")

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// allocatorFor returns a function allocating a new value pointed by Msg.
func allocatorFor[Msg any]() func() Msg {
	t := reflect.TypeFor[Msg]()
	if t.Kind() != reflect.Pointer {
		panic(fmt.Sprintf("it makes no sense to try to unmarshal into a non-pointer %s", t))
	}
	return func() Msg {
		return reflect.New(t.Elem()).Interface().(Msg)
	}
}
