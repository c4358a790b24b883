package exchange

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind is the tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a parsed JSON value. The set of implementations is closed:
// *Object, Array, Int, Float, String, Bool and Null.
type Value interface {
	Kind() Kind
}

type (
	Null   struct{}
	Bool   bool
	Int    int64
	Float  float64
	String string
	Array  []Value
)

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }

// Object is a JSON object that remembers the order its keys were first set in.
// Keys are unique: setting an existing key replaces its value and keeps its position.
type Object struct {
	m *orderedmap.OrderedMap[string, Value]
}

func NewObject() *Object {
	return &Object{m: orderedmap.New[string, Value]()}
}

func (*Object) Kind() Kind { return KindObject }

// Set sets key to v and returns the object so calls can be chained.
func (o *Object) Set(key string, v Value) *Object {
	o.m.Set(key, v)
	return o
}

func (o *Object) Get(key string) (Value, bool) {
	return o.m.Get(key)
}

func (o *Object) Len() int {
	if o == nil || o.m == nil {
		return 0
	}
	return o.m.Len()
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, o.Len())
	o.Range(func(k string, _ Value) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Range calls f for each member in order until f returns false.
func (o *Object) Range(f func(key string, v Value) bool) {
	if o == nil || o.m == nil {
		return
	}
	for pair := o.m.Oldest(); pair != nil; pair = pair.Next() {
		if !f(pair.Key, pair.Value) {
			return
		}
	}
}

// Equal reports whether a and b are the same tree, including object key order.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch a := a.(type) {
	case Array:
		b := b.(Array)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i], b[i]) {
				return false
			}
		}
		return true
	case *Object:
		b := b.(*Object)
		if a.Len() != b.Len() {
			return false
		}
		ak, bk := a.Keys(), b.Keys()
		for i, k := range ak {
			if bk[i] != k {
				return false
			}
			av, _ := a.Get(k)
			bv, _ := b.Get(k)
			if !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
