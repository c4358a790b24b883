package exchange

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ToPrimitive converts v into plain Go values for callers that don't want to work with Value:
// objects become *orderedmap.OrderedMap[string, any] in source key order, arrays become []any,
// and scalars become int64, float64, string, bool or nil.
func ToPrimitive(v Value) (any, error) {
	switch v := v.(type) {
	case Null:
		return nil, nil
	case Bool:
		return bool(v), nil
	case Int:
		return int64(v), nil
	case Float:
		return float64(v), nil
	case String:
		return string(v), nil
	case Array:
		out := make([]any, 0, len(v))
		for _, e := range v {
			p, err := ToPrimitive(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case *Object:
		if v == nil {
			return nil, fmt.Errorf("%w: nil object", ErrInvariant)
		}
		out := orderedmap.New[string, any]()
		var err error
		v.Range(func(key string, e Value) bool {
			var p any
			p, err = ToPrimitive(e)
			if err != nil {
				return false
			}
			out.Set(key, p)
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized value %T", ErrInvariant, v)
	}
}

// FromPrimitive builds a Value from plain Go values. Plain maps have no order, so their keys are sorted.
func FromPrimitive(p any) (Value, error) {
	switch p := p.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return p, nil
	case bool:
		return Bool(p), nil
	case string:
		return String(p), nil
	case json.Number:
		return parseNumber(p)
	case []string:
		arr := make(Array, 0, len(p))
		for _, s := range p {
			arr = append(arr, String(s))
		}
		return arr, nil
	case []any:
		arr := make(Array, 0, len(p))
		for _, e := range p {
			v, err := FromPrimitive(e)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case *orderedmap.OrderedMap[string, any]:
		obj := NewObject()
		for pair := p.Oldest(); pair != nil; pair = pair.Next() {
			v, err := FromPrimitive(pair.Value)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", pair.Key, err)
			}
			obj.Set(pair.Key, v)
		}
		return obj, nil
	case map[string]any:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			v, err := FromPrimitive(p[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj.Set(k, v)
		}
		return obj, nil
	}

	rv := reflect.ValueOf(p)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > 1<<63-1 {
			return Float(float64(u)), nil
		}
		return Int(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, p)
}
