package codec

import (
	"encoding/json"
)

// JSONCodec marshals messages as JSON documents.
type JSONCodec[Msg any] struct {
	allocator func() Msg
}

// JSON returns a codec for Msg, which MUST be a pointer type.
func JSON[Msg any]() JSONCodec[Msg] {
	return JSONCodec[Msg]{
		allocator: allocatorFor[Msg](),
	}
}

// Encode marshals `msg`. A nil message is encoded as an empty object
// since services expect a JSON object even when a request has no field.
func (c JSONCodec[Msg]) Encode(msg Msg) ([]byte, error) {
	if isNil(msg) {
		return []byte("{}"), nil
	}
	return json.Marshal(msg)
}

func (c JSONCodec[Msg]) Decode(buf []byte) (Msg, error) {
	result := c.allocator()
	err := json.Unmarshal(buf, result)
	return result, err
}
