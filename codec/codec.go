// Package codec selects the body encoding of an envelope.
//
// JSON is the wire format of the protocol. CBOR carries the same logical envelope for clients that
// ask for it with Content-Type: application/cbor; it is converted through the JSON form so that
// handlers and the mailbox only ever see one representation.
package codec

import "strings"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
	ContentType() string
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeCBOR {
		return &CBORCodec{}
	}

	return &JSONCodec{}
}

// ForContentType maps an HTTP Content-Type header to a codec. Anything that is not CBOR is
// treated as JSON, including an empty header.
func ForContentType(contentType string) Codec {
	mediaType, _, _ := strings.Cut(contentType, ";")
	if strings.EqualFold(strings.TrimSpace(mediaType), ContentTypeCBOR) {
		return GetCodec(CodecTypeCBOR)
	}
	return GetCodec(CodecTypeJSON)
}
