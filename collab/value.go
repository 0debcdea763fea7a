package collab

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/goccy/go-json"
)

// Values live in registers as JSON. Decoding is normalized so that a
// stored value reads back as nil, bool, int64, float64, string,
// []any or map[string]any. Floats keep a fraction or exponent on the
// wire, so float64(1) reads back as float64 and not as int64.

func encodeValue(v any) ([]byte, error) {
	return json.Marshal(prepareValue(v))
}

// floatValue writes integral floats as 1.0 rather than 1.
type floatValue float64

func (f floatValue) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("collab: %v is not a JSON number", v)
	}
	b := strconv.AppendFloat(nil, v, 'g', -1, 64)
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

// prepareValue rewrites floats, maps and slices at any depth into the
// shapes encodeValue writes. Named map and slice types count as maps
// and slices.
func prepareValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v
	case float64:
		return floatValue(x)
	case float32:
		return floatValue(x)
	case json.Marshaler:
		return v
	}
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = prepareValue(e)
		}
		return out
	}
	if items, ok := asSlice(v); ok {
		out := make([]any, len(items))
		for i, e := range items {
			out[i] = prepareValue(e)
		}
		return out
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64 {
		return floatValue(rv.Float())
	}
	return v
}

// asMap reads any string-keyed map, e.g. a named bag type.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
		return nil, false
	}
	m := make(map[string]any, rv.Len())
	for it := rv.MapRange(); it.Next(); {
		m[it.Key().String()] = it.Value().Interface()
	}
	return m, true
}

// asSlice reads any slice but bytes, which stay a JSON string.
func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 || rv.IsNil() {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Normalize converts a decoded JSON value into the canonical kinds.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		for i := range x {
			x[i] = Normalize(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = Normalize(x[k])
		}
		return x
	default:
		return v
	}
}

// Int64 reads an integer out of a normalized value.
func Int64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), x == float64(int64(x))
	default:
		return 0, false
	}
}
