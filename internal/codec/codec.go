// Package codec implements the JSON wire encoding of hive envelopes,
// plus the DEFLATE compression helpers shared by both the JSON and
// binary encodings.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jarbashivemind/hivemind-go/internal/binaryframe/registry"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hiveerr"
)

// wireEnvelope is the canonical JSON shape of an Envelope.
type wireEnvelope struct {
	MsgType    envelope.Kind   `json:"msg_type"`
	Payload    json.RawMessage `json:"payload"`
	Route      []string        `json:"route"`
	SourcePeer *string         `json:"source_peer"`
	Meta       map[string]any  `json:"meta"`
}

// Serialize produces the canonical JSON form of an envelope, recursing
// into nested envelopes/BusMessages.
func Serialize(e *envelope.Envelope) ([]byte, error) {
	payload, err := marshalPayload(e.MsgType, e.Payload)
	if err != nil {
		return nil, &hiveerr.DecodeError{Cause: err}
	}

	w := wireEnvelope{
		MsgType:    e.MsgType,
		Payload:    payload,
		Route:      e.Route,
		SourcePeer: e.SourcePeer,
		Meta:       e.Meta,
	}
	if w.Route == nil {
		w.Route = []string{}
	}
	if w.Meta == nil {
		w.Meta = map[string]any{}
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, &hiveerr.DecodeError{Cause: err}
	}
	return out, nil
}

func marshalPayload(kind envelope.Kind, payload any) (json.RawMessage, error) {
	switch kind {
	case envelope.KindBus, envelope.KindSharedBus:
		return json.Marshal(payload)
	case envelope.KindBroadcast, envelope.KindPropagate, envelope.KindEscalate:
		if nested, ok := payload.(*envelope.Envelope); ok {
			return Serialize(nested)
		}
		return json.Marshal(payload)
	case envelope.KindHello:
		return json.Marshal(payload)
	case envelope.KindBinary:
		raw, ok := payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("BINARY payload must be []byte, got %T", payload)
		}
		return json.Marshal(raw) // json encodes []byte as base64 string
	case envelope.KindRegistry:
		action, ok := payload.(*registry.Action)
		if !ok {
			return nil, fmt.Errorf("REGISTRY payload must be *registry.Action, got %T", payload)
		}
		return json.Marshal(struct {
			Name   string         `json:"name"`
			Values map[string]any `json:"values"`
		}{action.Name, action.Values})
	default:
		return json.Marshal(payload)
	}
}

// Parse decodes raw JSON bytes into an Envelope; ParseString is the
// entry point for string input.
func Parse(data []byte) (*envelope.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &hiveerr.DecodeError{Cause: err}
	}

	payload, err := unmarshalPayload(w.MsgType, w.Payload)
	if err != nil {
		return nil, &hiveerr.DecodeError{Cause: err}
	}

	return &envelope.Envelope{
		MsgType:    w.MsgType,
		Payload:    payload,
		Route:      w.Route,
		SourcePeer: w.SourcePeer,
		Meta:       w.Meta,
	}, nil
}

// ParseString is Parse for a JSON string input.
func ParseString(s string) (*envelope.Envelope, error) {
	return Parse([]byte(s))
}

func unmarshalPayload(kind envelope.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case envelope.KindBus, envelope.KindSharedBus:
		var msg envelope.BusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case envelope.KindBroadcast, envelope.KindPropagate, envelope.KindEscalate:
		// Could be a nested envelope or a bare BusMessage; both carry a
		// msg_type field, but only a nested envelope's is a known Kind.
		var probe struct {
			MsgType string `json:"msg_type"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil {
			for _, k := range envelope.Kinds {
				if envelope.Kind(probe.MsgType) == k {
					return Parse(raw)
				}
			}
		}
		var msg envelope.BusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case envelope.KindHello:
		var info envelope.HelloInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, err
		}
		return info, nil
	case envelope.KindBinary:
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case envelope.KindRegistry:
		var wire struct {
			Name   string         `json:"name"`
			Values map[string]any `json:"values"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}
		return &registry.Action{Name: wire.Name, Values: wire.Values}, nil
	default:
		var v map[string]any
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			// Not an object; fall back to the raw decoded value.
			var generic any
			if err2 := json.Unmarshal(raw, &generic); err2 != nil {
				return nil, err
			}
			return generic, nil
		}
		return v, nil
	}
}

// Compress DEFLATE-compresses data using the zlib wrapper.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. If data looks like an even-length hex
// string, it is hex-decoded first — required for interoperability with
// peers that transmit compressed content as hex text.
func Decompress(data []byte) ([]byte, error) {
	if decoded, ok := tryDecodeHex(data); ok {
		data = decoded
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func tryDecodeHex(data []byte) ([]byte, bool) {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, false
	}
	for _, b := range data {
		isHexDigit := (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
		if !isHexDigit {
			return nil, false
		}
	}
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, false
	}
	return decoded, true
}
