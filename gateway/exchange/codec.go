package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ReadOptions controls ReadValue.
type ReadOptions struct {
	// Limit is the largest message accepted, in bytes. Zero or less means no limit.
	Limit int64
	// NullOnEmpty makes an empty or all-whitespace message decode to a nil Value instead of failing.
	NullOnEmpty bool
}

// ReadValue receives one message from r and parses it as JSON.
func ReadValue(ctx context.Context, r FragmentReader, opts ReadOptions) (Value, error) {
	b, err := Receive(ctx, r, opts.Limit)
	if err != nil {
		return nil, err
	}
	return ParseText(string(b), opts.NullOnEmpty)
}

// Parse parses b as a single JSON value.
func Parse(b []byte) (Value, error) {
	return ParseText(string(b), false)
}

// maxDepth caps how deeply arrays and objects may nest, matching encoding/json.
const maxDepth = 10000

var errTooDeep = fmt.Errorf("exceeded max depth of %d", maxDepth)

// ParseText parses text as a single JSON value.
// If nullOnEmpty is set, whitespace-only text returns a nil Value and no error.
func ParseText(text string, nullOnEmpty bool) (Value, error) {
	if nullOnEmpty && strings.TrimSpace(text) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	v, err := parseValue(dec, 0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, newParseError(text, err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after top-level value")
		}
		return nil, newParseError(text, err)
	}
	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		if (t == '{' || t == '[') && depth >= maxDepth {
			return nil, errTooDeep
		}
		switch t {
		case '{':
			return parseObject(dec, depth+1)
		case '[':
			return parseArray(dec, depth+1)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case json.Number:
		return parseNumber(t)
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token type %T", ErrInvariant, tok)
	}
}

func parseObject(dec *json.Decoder, depth int) (Value, error) {
	obj := NewObject()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T, not a string", tok)
		}
		v, err := parseValue(dec, depth)
		if err != nil {
			return nil, err
		}
		obj.Set(key, v)
	}
	// closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func parseArray(dec *json.Decoder, depth int) (Value, error) {
	arr := Array{}
	for dec.More() {
		v, err := parseValue(dec, depth)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	// closing ']'
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return arr, nil
}

func parseNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
		// out of int64 range, fall through to float
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing number %q: %w", s, err)
	}
	return Float(f), nil
}

// Encode serializes v as compact JSON.
// Floats always carry a fraction or exponent so that they parse back as floats.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v := v.(type) {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(v)))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case Float:
		s, err := formatFloat(float64(v))
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case String:
		writeString(buf, string(v))
	case Array:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Object:
		if v == nil {
			return fmt.Errorf("%w: nil object", ErrInvariant)
		}
		buf.WriteByte('{')
		var err error
		i := 0
		v.Range(func(key string, e Value) bool {
			if i > 0 {
				buf.WriteByte(',')
			}
			i++
			writeString(buf, key)
			buf.WriteByte(':')
			err = encodeValue(buf, e)
			return err == nil
		})
		if err != nil {
			return err
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrInvariant, v)
	}
	return nil
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: float %v", ErrUnsupportedValue, f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s, nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	buf.WriteString(Escape(s))
	buf.WriteByte('"')
}

const hexDigits = "0123456789abcdef"

// Escape escapes text for embedding between the quotes of a JSON string literal.
// Backslash, double quote, forward slash and the common control characters get their short escapes;
// any other control character is written as \u00XX.
func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '/':
			b.WriteString(`\/`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
				continue
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape by parsing text as the body of a JSON string.
func Unescape(text string) (string, error) {
	var s string
	lit := `"` + text + `"`
	if err := json.Unmarshal([]byte(lit), &s); err != nil {
		return "", newParseError(lit, err)
	}
	return s, nil
}
