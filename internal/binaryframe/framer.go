// Package binaryframe implements the compact bit-packed alternative
// wire encoding for hive envelopes: a 5-bit type id, a compression
// flag, an 8-bit metadata length, the metadata bytes, an optional
// binary-subtype nibble, and the payload.
package binaryframe

import (
	"encoding/json"
	"fmt"

	"github.com/jarbashivemind/hivemind-go/internal/binaryframe/registry"
	"github.com/jarbashivemind/hivemind-go/internal/codec"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

// typeIDs is the fixed msg_type -> 5-bit id table from the wire spec.
var typeIDs = map[envelope.Kind]uint32{
	envelope.KindHandshake:  0,
	envelope.KindBus:        1,
	envelope.KindSharedBus:  2,
	envelope.KindBroadcast:  3,
	envelope.KindPropagate:  4,
	envelope.KindEscalate:   5,
	envelope.KindHello:      6,
	envelope.KindQuery:      7,
	envelope.KindCascade:    8,
	envelope.KindPing:       9,
	envelope.KindRendezvous: 10,
	envelope.KindThirdParty: 11,
	envelope.KindBinary:     12,
	envelope.KindRegistry:   13,
}

var idToKind = func() map[uint32]envelope.Kind {
	m := make(map[uint32]envelope.Kind, len(typeIDs))
	for k, v := range typeIDs {
		m[v] = k
	}
	return m
}()

const maxMetaLen = 255

// Encode bit-packs an envelope. If compress is true, both the metadata
// and (for JSON-bodied variants) the payload are DEFLATE-compressed.
func Encode(e *envelope.Envelope, compress bool) ([]byte, error) {
	typeID, ok := typeIDs[e.MsgType]
	if !ok {
		typeID = typeIDs[envelope.KindThirdParty]
	}

	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, &hiveerr.DecodeError{Cause: err}
	}
	metaBytes := metaJSON
	if compress {
		metaBytes, err = codec.Compress(metaBytes)
		if err != nil {
			return nil, &hiveerr.DecodeError{Cause: err}
		}
	}
	if len(metaBytes) > maxMetaLen {
		return nil, fmt.Errorf("binaryframe: metadata too large (%d bytes, max %d)", len(metaBytes), maxMetaLen)
	}

	w := &bitWriter{}
	w.WriteBits(typeID, 5)
	if compress {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
	w.WriteBits(uint32(len(metaBytes)), 8)
	w.WriteBytes(metaBytes)

	switch e.MsgType {
	case envelope.KindBinary:
		subtype := binarySubtypeOf(e)
		w.WriteBits(uint32(subtype), 4)
		raw, ok := e.Payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("binaryframe: BINARY payload must be []byte, got %T", e.Payload)
		}
		w.WriteBytes(raw)

	case envelope.KindRegistry:
		action, ok := e.Payload.(*registry.Action)
		if !ok {
			return nil, fmt.Errorf("binaryframe: REGISTRY payload must be *registry.Action, got %T", e.Payload)
		}
		if err := encodeAction(w, action, compress); err != nil {
			return nil, err
		}

	default:
		payloadJSON, err := marshalSimplePayload(e.MsgType, e.Payload)
		if err != nil {
			return nil, &hiveerr.DecodeError{Cause: err}
		}
		payloadBytes := payloadJSON
		if compress {
			payloadBytes, err = codec.Compress(payloadBytes)
			if err != nil {
				return nil, &hiveerr.DecodeError{Cause: err}
			}
		}
		w.WriteBytes(payloadBytes)
	}

	return w.Bytes(), nil
}

// Decode unpacks a bit-packed frame into an envelope. Unknown type ids
// fold to THIRDPRTY, the forward-compatible fallback.
func Decode(data []byte) (*envelope.Envelope, error) {
	r := newBitReader(data)

	typeID, ok := r.ReadBits(5)
	if !ok {
		return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated header")}
	}
	compressedBit, ok := r.ReadBits(1)
	if !ok {
		return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated header")}
	}
	metaLen, ok := r.ReadBits(8)
	if !ok {
		return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated header")}
	}
	compressed := compressedBit == 1

	metaBytes, ok := r.ReadBytes(int(metaLen))
	if !ok {
		return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated metadata")}
	}
	if compressed {
		decompressed, err := codec.Decompress(metaBytes)
		if err != nil {
			return nil, &hiveerr.DecodeError{Cause: err}
		}
		metaBytes = decompressed
	}

	var meta map[string]any
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return nil, &hiveerr.DecodeError{Cause: err}
		}
	}
	if meta == nil {
		meta = map[string]any{}
	}

	kind, known := idToKind[typeID]
	if !known {
		kind = envelope.KindThirdParty
	}

	e := &envelope.Envelope{MsgType: kind, Meta: meta, Route: []string{}}

	switch kind {
	case envelope.KindBinary:
		subtype, ok := r.ReadBits(4)
		if !ok {
			return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated binary subtype")}
		}
		payload, ok := r.ReadBytes(r.Remaining())
		if !ok {
			return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated binary payload")}
		}
		e.Payload = payload
		e.Meta["bin_type"] = envelope.BinarySubtype(subtype)
		if existing, hasType := e.Meta["msg_type"]; !hasType || existing == "" {
			e.Meta["msg_type"] = string(envelope.KindBinary)
		}

	case envelope.KindRegistry:
		action, err := decodeAction(r, compressed)
		if err != nil {
			return nil, err
		}
		e.Payload = action

	default:
		payloadBytes, ok := r.ReadBytes(r.Remaining())
		if !ok {
			return nil, &hiveerr.DecodeError{Cause: fmt.Errorf("binaryframe: truncated payload")}
		}
		if compressed && len(payloadBytes) > 0 {
			decompressed, err := codec.Decompress(payloadBytes)
			if err != nil {
				return nil, &hiveerr.DecodeError{Cause: err}
			}
			payloadBytes = decompressed
		}
		payload, err := unmarshalSimplePayload(kind, payloadBytes)
		if err != nil {
			return nil, &hiveerr.DecodeError{Cause: err}
		}
		e.Payload = payload
	}

	return e, nil
}

func binarySubtypeOf(e *envelope.Envelope) envelope.BinarySubtype {
	if e.Meta == nil {
		return envelope.BinaryUndefined
	}
	switch v := e.Meta["bin_type"].(type) {
	case envelope.BinarySubtype:
		return v
	case int:
		return envelope.BinarySubtype(v)
	case float64:
		return envelope.BinarySubtype(v)
	default:
		return envelope.BinaryUndefined
	}
}

// marshalSimplePayload/unmarshalSimplePayload mirror codec's payload
// handling for the kinds the binary framer treats generically (every
// kind except BINARY and REGISTRY, which have their own wire shape).
func marshalSimplePayload(kind envelope.Kind, payload any) ([]byte, error) {
	if nested, ok := payload.(*envelope.Envelope); ok {
		return codec.Serialize(nested)
	}
	return json.Marshal(payload)
}

func unmarshalSimplePayload(kind envelope.Kind, data []byte) (any, error) {
	switch kind {
	case envelope.KindBroadcast, envelope.KindPropagate, envelope.KindEscalate:
		if len(data) == 0 {
			return map[string]any{}, nil
		}
		var probe struct {
			MsgType string `json:"msg_type"`
		}
		if err := json.Unmarshal(data, &probe); err == nil {
			for _, k := range envelope.Kinds {
				if envelope.Kind(probe.MsgType) == k {
					return codec.Parse(data)
				}
			}
		}
		var msg envelope.BusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case envelope.KindBus, envelope.KindSharedBus:
		var msg envelope.BusMessage
		if len(data) == 0 {
			return msg, nil
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case envelope.KindHello:
		var info envelope.HelloInfo
		if len(data) == 0 {
			return info, nil
		}
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		return info, nil
	default:
		if len(data) == 0 {
			return map[string]any{}, nil
		}
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			var generic any
			if err2 := json.Unmarshal(data, &generic); err2 != nil {
				return nil, err
			}
			return generic, nil
		}
		return v, nil
	}
}
