package codec

import (
	"encoding/json"
)

// JSONCodec encodes descriptors as tagged JSON objects, e.g.
// {"kind":"get","path":["Wavelength"]} and {"ok":true,"value":500}.
// Easy to inspect on the wire; argument and result values are JSON either way.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
