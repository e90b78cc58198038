// Package bencode implements the bencoded dictionary/list/integer/string
// wire format used by metainfo files, tracker responses, DHT KRPC messages,
// and the ut_metadata extension body.
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v.
//
// See Encoder.Encode for the supported Go types. Marshal returns an error if
// v's type is not supported.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalDict is a convenience wrapper for the common case of building a
// top-level dictionary out of plain Go values (used for ut_metadata request
// bodies, KRPC queries, and extended handshakes).
func MarshalDict(fields map[string]any) ([]byte, error) {
	return Marshal(fields)
}

// RawBytes is an already-bencoded fragment that Encode copies through
// verbatim instead of re-encoding. It lets a caller splice a piece message's
// raw payload bytes after a bencoded msg_type/piece prefix without a
// round-trip through the decoder.
type RawBytes []byte

// Encoder writes bencoded values to an io.Writer.
//
// The zero value of Encoder is not usable; construct with NewEncoder.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v to the underlying writer.
//
// Supported value types:
//
//	string, []byte, RawBytes, bool, int/int8/int16/int32/int64,
//	uint/uint8/uint16/uint32/uint64,
//	[]any, map[string]any.
//
// For map[string]any, keys are emitted in lexicographic order, as BEP 3
// requires. Encode returns an error for unsupported types.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case RawBytes:
		_, err := e.w.Write(x)
		return err
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		if x {
			return e.encodeSignedInt(1)
		}
		return e.encodeSignedInt(0)
	case int:
		return e.encodeSignedInt(int64(x))
	case int8:
		return e.encodeSignedInt(int64(x))
	case int16:
		return e.encodeSignedInt(int64(x))
	case int32:
		return e.encodeSignedInt(int64(x))
	case int64:
		return e.encodeSignedInt(x)
	case uint:
		return e.encodeUnsignedInt(uint64(x))
	case uint8:
		return e.encodeUnsignedInt(uint64(x))
	case uint16:
		return e.encodeUnsignedInt(uint64(x))
	case uint32:
		return e.encodeUnsignedInt(uint64(x))
	case uint64:
		return e.encodeUnsignedInt(x)
	case []any:
		return e.encodeSlice(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported datatype %T", v)
	}
}

// encodeSignedInt and encodeUnsignedInt share the 'i' <digits> 'e' production
// but take different strconv append functions since bencode has no distinct
// unsigned type.
func (e *Encoder) encodeSignedInt(n int64) error {
	return e.writeIntToken(func(buf []byte) []byte { return strconv.AppendInt(buf, n, 10) })
}

func (e *Encoder) encodeUnsignedInt(n uint64) error {
	return e.writeIntToken(func(buf []byte) []byte { return strconv.AppendUint(buf, n, 10) })
}

func (e *Encoder) writeIntToken(appendDigits func([]byte) []byte) error {
	if _, err := e.w.Write([]byte{TokenInteger.Byte()}); err != nil {
		return err
	}

	var scratch [32]byte
	if _, err := e.w.Write(appendDigits(scratch[:0])); err != nil {
		return err
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

// encodeString writes a byte string as: <len> ':' <bytes>.
func (e *Encoder) encodeString(s string) error {
	var scratch [32]byte
	if _, err := e.w.Write(strconv.AppendInt(scratch[:0], int64(len(s)), 10)); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{TokenStringSeparator.Byte()}); err != nil {
		return err
	}

	_, err := io.WriteString(e.w, s)
	return err
}

// encodeSlice writes a list: 'l' <elements> 'e'.
func (e *Encoder) encodeSlice(xs []any) error {
	if _, err := e.w.Write([]byte{TokenList.Byte()}); err != nil {
		return err
	}

	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

// encodeDict writes a dictionary: 'd' <key><value> ... 'e'. Keys are sorted
// lexicographically so two calls with the same logical content produce
// identical bytes, which matters for anything hashed (e.g. info dictionaries).
func (e *Encoder) encodeDict(m map[string]any) error {
	if _, err := e.w.Write([]byte{TokenDict.Byte()}); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}
