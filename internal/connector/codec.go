package connector

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes structured outbound payloads.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                 { return "json" }
func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

type cborCodec struct{}

func (cborCodec) Name() string                 { return "cbor" }
func (cborCodec) Encode(v any) ([]byte, error) { return cbor.Marshal(v) }

// CodecByName returns the codec for a payload_codec setting. Empty means json.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload codec %q", ErrInvalidConfig, name)
	}
}

// encodePayload converts an outbound payload to bytes.
//
// Raw bytes pass through, strings and scalars use their text form, and
// anything else goes through the channel codec.
func encodePayload(payload any, codec Codec) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	case bool:
		return strconv.AppendBool(nil, p), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return []byte(fmt.Sprint(p)), nil
	case float32:
		return strconv.AppendFloat(nil, float64(p), 'g', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, p, 'g', -1, 64), nil
	}

	data, err := codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodePayload, codec.Name(), err)
	}
	return data, nil
}
