package bus

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Envelope payloads travel as a deterministic JSON encoding that preserves
// the value shapes the platform cares about: strings, integers, floats,
// booleans, nulls, nested maps and lists, byte sequences, and instants.
//
// Plain JSON cannot distinguish 2 from 2.0, []byte from string, or an instant
// from its formatted text, so the codec applies two rules on top of it:
//
//   - floats always carry a '.' or exponent, integers never do
//   - instants, byte sequences, and the rare map that collides with the tag
//     key are wrapped as {"$t": <kind>, ...}
//
// Map keys are emitted sorted, so equal values encode to equal bytes.

const tagKey = "$t"

const (
	tagTime  = "ts"
	tagBytes = "bin"
	tagObj   = "obj" // literal map whose keys collide with tagKey
)

// EncodeValue encodes v into the canonical envelope payload form.
//
// Supported: nil, bool, string, all integer kinds, float32/64, []byte,
// time.Time, slices, and maps with string keys. json.RawMessage is embedded
// verbatim. Any other value (typed structs from the event layer) is reduced
// through encoding/json first; its rich fields follow encoding/json's rules
// and are restored by the typed decoder, not by DecodeValue.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, x)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int8, int16, int32, int64:
		buf.WriteString(strconv.FormatInt(reflect.ValueOf(x).Int(), 10))
		return nil
	case uint, uint8, uint16, uint32, uint64:
		buf.WriteString(strconv.FormatUint(reflect.ValueOf(x).Uint(), 10))
		return nil
	case float32:
		return encodeFloat(buf, float64(x))
	case float64:
		return encodeFloat(buf, x)
	case []byte:
		buf.WriteString(`{"` + tagKey + `":"` + tagBytes + `","b64":`)
		if err := encodeString(buf, base64.StdEncoding.EncodeToString(x)); err != nil {
			return err
		}
		buf.WriteByte('}')
		return nil
	case time.Time:
		buf.WriteString(`{"` + tagKey + `":"` + tagTime + `","ms":`)
		buf.WriteString(strconv.FormatInt(x.UnixMilli(), 10))
		buf.WriteByte('}')
		return nil
	case json.RawMessage:
		if len(x) == 0 {
			buf.WriteString("null")
			return nil
		}
		buf.Write(x)
		return nil
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return encodeMap(buf, m)
	case map[string]any:
		return encodeMap(buf, x)
	case []any:
		return encodeSlice(buf, x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return encodeSlice(buf, out)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bus: encode: map key type %s not supported", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeMap(buf, out)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encodeValue(buf, rv.Elem().Interface())
	}

	// Typed struct payloads: reduce through encoding/json.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %T: %w", v, err)
	}
	buf.Write(raw)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("bus: encode: non-finite float %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Force a float marker so the decoder never confuses 2.0 with 2.
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	buf.WriteString(s)
	return nil
}

func encodeSlice(buf *bytes.Buffer, s []any) error {
	buf.WriteByte('[')
	for i, el := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, el); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	_, collides := m[tagKey]
	if collides {
		buf.WriteString(`{"` + tagKey + `":"` + tagObj + `","v":`)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	if collides {
		buf.WriteByte('}')
	}
	return nil
}

// DecodeValue decodes codec bytes back into nil, bool, string, int64,
// float64, []byte, time.Time, []any, or map[string]any.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("bus: decode: %w", err)
	}
	return reviveValue(raw)
}

func reviveValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			n, err := x.Int64()
			if err != nil {
				return nil, fmt.Errorf("bus: decode: integer %q out of range", s)
			}
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("bus: decode: float %q: %w", s, err)
		}
		return f, nil
	case []any:
		for i, el := range x {
			rev, err := reviveValue(el)
			if err != nil {
				return nil, err
			}
			x[i] = rev
		}
		return x, nil
	case map[string]any:
		if tag, ok := x[tagKey].(string); ok {
			return reviveTagged(tag, x)
		}
		for k, el := range x {
			rev, err := reviveValue(el)
			if err != nil {
				return nil, err
			}
			x[k] = rev
		}
		return x, nil
	default:
		return v, nil
	}
}

func reviveTagged(tag string, m map[string]any) (any, error) {
	switch tag {
	case tagTime:
		num, ok := m["ms"].(json.Number)
		if !ok {
			return nil, fmt.Errorf("bus: decode: %s tag missing ms", tagTime)
		}
		ms, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("bus: decode: %s tag: %w", tagTime, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case tagBytes:
		s, ok := m["b64"].(string)
		if !ok {
			return nil, fmt.Errorf("bus: decode: %s tag missing b64", tagBytes)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bus: decode: %s tag: %w", tagBytes, err)
		}
		return b, nil
	case tagObj:
		inner, ok := m["v"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bus: decode: %s tag missing v", tagObj)
		}
		for k, el := range inner {
			rev, err := reviveValue(el)
			if err != nil {
				return nil, err
			}
			inner[k] = rev
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("bus: decode: unknown tag %q", tag)
	}
}

// decodeHeaders decodes the headers field, a string→string mapping.
func decodeHeaders(data []byte) (map[string]string, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bus: decode headers: not a map")
	}
	out := make(map[string]string, len(m))
	for k, el := range m {
		s, ok := el.(string)
		if !ok {
			return nil, fmt.Errorf("bus: decode headers: %q is not a string", k)
		}
		out[k] = s
	}
	return out, nil
}
