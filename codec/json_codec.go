package codec

import (
	"encoding/json"
)

// JSONCodec is the protocol's native body encoding. Envelope ids and params stay
// json.RawMessage, so they pass through without being decoded.
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

func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}
