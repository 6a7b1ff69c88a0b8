package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys and the smallest integer encoding,
// so the same envelope always produces identical bytes.
var encMode cbor.EncMode

// decMode decodes maps into map[string]any so the result can be handed to encoding/json.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec converts between CBOR bodies and the JSON form of an envelope.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, err
	}
	return encMode.Marshal(fromJSONNumbers(generic))
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	var generic any
	if err := decMode.Unmarshal(data, &generic); err != nil {
		return err
	}
	js, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("CBOR value has no JSON form: %w", err)
	}
	return json.Unmarshal(js, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

func (c *CBORCodec) ContentType() string {
	return ContentTypeCBOR
}

// fromJSONNumbers replaces json.Number with the narrowest Go number so integers (entity
// handles in particular) stay integers in CBOR instead of becoming floats or strings.
func fromJSONNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSONNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = fromJSONNumbers(e)
		}
		return t
	default:
		return v
	}
}
