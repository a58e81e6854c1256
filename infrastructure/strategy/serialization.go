package strategy

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/ugorji/go/codec"
)

const (
	fieldMethod = "method"

	methodJSON   = "json"
	methodBinary = "binary"
	methodNative = "native"
)

var cborHandle = &codec.CborHandle{}

// SmartSerialization wraps large values in a serialization envelope, picking
// the format per value: JSON when the value round-trips losslessly through
// it, a compact binary encoding (CBOR) otherwise, and the engine's native
// JSON rendering as the last resort.
type SmartSerialization struct{}

func (SmartSerialization) ID() string { return "smart_serialization" }

func (SmartSerialization) ShouldApply(value interface{}, sc *Context) bool {
	cfg := sc.Config.Strategies.Serialization
	if !cfg.Enabled {
		return false
	}
	size, ok := estimateSize(value, cfg.SizeThreshold)
	return ok && size >= cfg.SizeThreshold
}

func (SmartSerialization) Optimize(value interface{}, sc *Context) (interface{}, error) {
	if jsonRoundTripSafe(value) {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			MarkerSerialized: true,
			fieldMethod:      methodJSON,
			fieldData:        string(raw),
		}, nil
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, cborHandle).Encode(value); err == nil {
		return map[string]interface{}{
			MarkerSerialized: true,
			fieldMethod:      methodBinary,
			fieldData:        base64.StdEncoding.EncodeToString(buf.Bytes()),
		}, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}
	return map[string]interface{}{
		MarkerSerialized: true,
		fieldMethod:      methodNative,
		fieldData:        string(raw),
	}, nil
}

func (SmartSerialization) Restore(value interface{}, sc *Context) (interface{}, bool, error) {
	if !HasMarker(value, MarkerSerialized) {
		return value, false, nil
	}
	envelope := value.(map[string]interface{})

	method, _ := envelope[fieldMethod].(string)
	data, ok := envelope[fieldData].(string)
	if !ok {
		return nil, true, fmt.Errorf("serialization envelope missing data field")
	}

	switch method {
	case methodJSON, methodNative:
		var restored interface{}
		if err := json.Unmarshal([]byte(data), &restored); err != nil {
			return nil, true, fmt.Errorf("deserialize %s value: %w", method, err)
		}
		return restored, true, nil
	case methodBinary:
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, true, fmt.Errorf("decode binary value: %w", err)
		}
		var restored interface{}
		if err := codec.NewDecoderBytes(raw, cborHandle).Decode(&restored); err != nil {
			return nil, true, fmt.Errorf("deserialize binary value: %w", err)
		}
		return restored, true, nil
	default:
		return nil, true, fmt.Errorf("unknown serialization method %q", method)
	}
}

// jsonRoundTripSafe reports whether the value is composed entirely of
// primitives, nulls, plain string-keyed maps, and sequences of the same, so
// a JSON round trip is lossless.
func jsonRoundTripSafe(value interface{}) bool {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []interface{}:
		for _, item := range v {
			if !jsonRoundTripSafe(item) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		for _, item := range v {
			if !jsonRoundTripSafe(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
