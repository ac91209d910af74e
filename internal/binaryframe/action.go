package binaryframe

import (
	"fmt"

	"github.com/jarbashivemind/hivemind-go/internal/binaryframe/registry"
	"github.com/jarbashivemind/hivemind-go/internal/codec"
)

func encodeAction(w *bitWriter, action *registry.Action, compress bool) error {
	schema, ok := registry.ByName(action.Name)
	if !ok {
		return fmt.Errorf("binaryframe: unknown registry action %q", action.Name)
	}

	w.WriteBits(uint32(schema.UID), 6)

	for _, f := range schema.Fields {
		value, present := action.Values[f.Name]
		if !present {
			value = f.Default
		}

		switch f.Type {
		case registry.FieldBool:
			b, _ := value.(bool)
			var bit uint32
			if b {
				bit = 1
			}
			w.WriteBits(bit, 1)

		case registry.FieldStr, registry.FieldStr16, registry.FieldStr32:
			s, _ := value.(string)
			raw := []byte(s)
			if compress {
				compressed, err := codec.Compress(raw)
				if err != nil {
					return err
				}
				raw = compressed
			}
			switch f.Type {
			case registry.FieldStr:
				if len(raw) > 0xFF {
					return fmt.Errorf("binaryframe: field %q too long for str (%d bytes)", f.Name, len(raw))
				}
				w.WriteBits(uint32(len(raw)), 8)
			case registry.FieldStr16:
				if len(raw) > 0xFFFF {
					return fmt.Errorf("binaryframe: field %q too long for str16 (%d bytes)", f.Name, len(raw))
				}
				w.WriteBits(uint32(len(raw)), 16)
			case registry.FieldStr32:
				w.WriteBits(uint32(len(raw)), 32)
			}
			w.WriteBytes(raw)
		}
	}

	return nil
}

func decodeAction(r *bitReader, compress bool) (*registry.Action, error) {
	uid, ok := r.ReadBits(6)
	if !ok {
		return nil, fmt.Errorf("binaryframe: truncated registry action uid")
	}
	schema, ok := registry.ByUID(uint8(uid))
	if !ok {
		return nil, fmt.Errorf("binaryframe: unknown registry action uid %d", uid)
	}

	values := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		switch f.Type {
		case registry.FieldBool:
			bit, ok := r.ReadBits(1)
			if !ok {
				return nil, fmt.Errorf("binaryframe: truncated bool field %q", f.Name)
			}
			values[f.Name] = bit == 1

		case registry.FieldStr, registry.FieldStr16, registry.FieldStr32:
			var length uint32
			var lenOK bool
			switch f.Type {
			case registry.FieldStr:
				length, lenOK = r.ReadBits(8)
			case registry.FieldStr16:
				length, lenOK = r.ReadBits(16)
			case registry.FieldStr32:
				length, lenOK = r.ReadBits(32)
			}
			if !lenOK {
				return nil, fmt.Errorf("binaryframe: truncated length for field %q", f.Name)
			}

			raw, ok := r.ReadBytes(int(length))
			if !ok {
				return nil, fmt.Errorf("binaryframe: truncated bytes for field %q", f.Name)
			}
			if compress && len(raw) > 0 {
				decompressed, err := codec.Decompress(raw)
				if err != nil {
					return nil, err
				}
				raw = decompressed
			}
			values[f.Name] = string(raw)
		}
	}

	return &registry.Action{Name: schema.Name, Values: values}, nil
}
