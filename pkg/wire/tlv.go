package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// fieldType tags the wire type of one TLV-encoded field so the decoder can
// walk an envelope payload without a schema.
type fieldType byte

const (
	typeString fieldType = iota
	typeBytes
	typeUint64
	typeInt64
	typeBool
	typeFloat64
	typeList    // repeated nested Fields
	typeMessage // a single nested Fields
)

// Fields is a schema-less set of payload fields keyed by tag (a Go map, so
// EncodeFields emits entries in map iteration order, not tag order): the
// minimal tag-length-value encoding the spec calls for in place of JSON,
// since there's no ecosystem library in the pack doing exactly this (see
// DESIGN.md's stdlib justification for pkg/wire).
type Fields map[uint8]any

func (f Fields) SetString(tag uint8, v string)   { f[tag] = v }
func (f Fields) SetBytes(tag uint8, v []byte)     { f[tag] = append([]byte(nil), v...) }
func (f Fields) SetUint64(tag uint8, v uint64)    { f[tag] = v }
func (f Fields) SetInt64(tag uint8, v int64)      { f[tag] = v }
func (f Fields) SetBool(tag uint8, v bool)        { f[tag] = v }
func (f Fields) SetFloat64(tag uint8, v float64)  { f[tag] = v }
func (f Fields) SetMessage(tag uint8, v Fields)   { f[tag] = v }
func (f Fields) SetList(tag uint8, v []Fields)    { f[tag] = v }

func (f Fields) GetString(tag uint8) (string, bool)   { v, ok := f[tag].(string); return v, ok }
func (f Fields) GetBytes(tag uint8) ([]byte, bool)     { v, ok := f[tag].([]byte); return v, ok }
func (f Fields) GetUint64(tag uint8) (uint64, bool)    { v, ok := f[tag].(uint64); return v, ok }
func (f Fields) GetInt64(tag uint8) (int64, bool)      { v, ok := f[tag].(int64); return v, ok }
func (f Fields) GetBool(tag uint8) (bool, bool)        { v, ok := f[tag].(bool); return v, ok }
func (f Fields) GetFloat64(tag uint8) (float64, bool)  { v, ok := f[tag].(float64); return v, ok }
func (f Fields) GetMessage(tag uint8) (Fields, bool)   { v, ok := f[tag].(Fields); return v, ok }
func (f Fields) GetList(tag uint8) ([]Fields, bool)    { v, ok := f[tag].([]Fields); return v, ok }

// EncodeFields serializes a Fields set as a sequence of
// [tag(1) | type(1) | length(4) | value] entries.
func EncodeFields(f Fields) []byte {
	var buf []byte
	for tag, v := range f {
		buf = append(buf, encodeField(tag, v)...)
	}
	return buf
}

func encodeField(tag uint8, v any) []byte {
	switch val := v.(type) {
	case string:
		return tlvEntry(tag, typeString, []byte(val))
	case []byte:
		return tlvEntry(tag, typeBytes, val)
	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], val)
		return tlvEntry(tag, typeUint64, b[:])
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(val))
		return tlvEntry(tag, typeInt64, b[:])
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return tlvEntry(tag, typeBool, []byte{b})
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
		return tlvEntry(tag, typeFloat64, b[:])
	case Fields:
		return tlvEntry(tag, typeMessage, EncodeFields(val))
	case []Fields:
		var inner []byte
		for _, item := range val {
			encoded := EncodeFields(item)
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
			inner = append(inner, lenBuf[:]...)
			inner = append(inner, encoded...)
		}
		return tlvEntry(tag, typeList, inner)
	default:
		panic(fmt.Sprintf("wire: unsupported field type %T for tag %d", v, tag))
	}
}

func tlvEntry(tag uint8, typ fieldType, value []byte) []byte {
	out := make([]byte, 6+len(value))
	out[0] = tag
	out[1] = byte(typ)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(value)))
	copy(out[6:], value)
	return out
}

// DecodeFields parses a TLV-encoded byte slice back into a Fields set.
func DecodeFields(data []byte) (Fields, error) {
	out := make(Fields)
	off := 0
	for off < len(data) {
		if off+6 > len(data) {
			return nil, fmt.Errorf("wire: truncated TLV entry header at offset %d", off)
		}
		tag := data[off]
		typ := fieldType(data[off+1])
		length := binary.BigEndian.Uint32(data[off+2 : off+6])
		off += 6
		if off+int(length) > len(data) {
			return nil, fmt.Errorf("wire: truncated TLV entry value at offset %d", off)
		}
		value := data[off : off+int(length)]
		off += int(length)

		decoded, err := decodeValue(typ, value)
		if err != nil {
			return nil, fmt.Errorf("wire: decode tag %d: %w", tag, err)
		}
		out[tag] = decoded
	}
	return out, nil
}

func decodeValue(typ fieldType, value []byte) (any, error) {
	switch typ {
	case typeString:
		return string(value), nil
	case typeBytes:
		return append([]byte(nil), value...), nil
	case typeUint64:
		if len(value) != 8 {
			return nil, fmt.Errorf("bad uint64 length %d", len(value))
		}
		return binary.BigEndian.Uint64(value), nil
	case typeInt64:
		if len(value) != 8 {
			return nil, fmt.Errorf("bad int64 length %d", len(value))
		}
		return int64(binary.BigEndian.Uint64(value)), nil
	case typeBool:
		if len(value) != 1 {
			return nil, fmt.Errorf("bad bool length %d", len(value))
		}
		return value[0] != 0, nil
	case typeFloat64:
		if len(value) != 8 {
			return nil, fmt.Errorf("bad float64 length %d", len(value))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(value)), nil
	case typeMessage:
		return DecodeFields(value)
	case typeList:
		var items []Fields
		off := 0
		for off < len(value) {
			if off+4 > len(value) {
				return nil, fmt.Errorf("truncated list entry length")
			}
			itemLen := binary.BigEndian.Uint32(value[off : off+4])
			off += 4
			if off+int(itemLen) > len(value) {
				return nil, fmt.Errorf("truncated list entry value")
			}
			item, err := DecodeFields(value[off : off+int(itemLen)])
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			off += int(itemLen)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unknown field type %d", typ)
	}
}
