package codec

import (
	"google.golang.org/protobuf/proto"
)

// ProtoCodec marshals messages using the protobuf binary format.
type ProtoCodec[Msg proto.Message] struct{}

func Proto[Msg proto.Message]() ProtoCodec[Msg] {
	return ProtoCodec[Msg]{}
}

func (ProtoCodec[Msg]) Encode(msg Msg) ([]byte, error) {
	if isNil(msg) {
		return nil, ErrNilMessage
	}
	return proto.Marshal(msg)
}

func (ProtoCodec[Msg]) Decode(buf []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := proto.Unmarshal(buf, allocated)
	return allocated, err
}
