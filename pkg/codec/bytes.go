package codec

// BytesCodec passes payloads through untouched.
type BytesCodec struct {
	copyBuffers bool
}

// Bytes returns a raw codec. With `copyBuffers`, decoded payloads are
// copied so they survive the transport reusing its buffers.
func Bytes(copyBuffers bool) BytesCodec {
	return BytesCodec{copyBuffers: copyBuffers}
}

func (c BytesCodec) Encode(buf []byte) ([]byte, error) {
	return buf, nil
}

func (c BytesCodec) Decode(buf []byte) ([]byte, error) {
	if !c.copyBuffers {
		return buf, nil
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}
