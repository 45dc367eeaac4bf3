// Package sanitize turns arbitrary nested values returned by a speech model
// into values that encoding/json can always marshal.
//
// The output contains only map[string]any, []any, string, bool, int64,
// uint64, float64 and nil. Non-finite floats become nil. Values of kinds
// outside that set fall back to their fmt representation.
package sanitize

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cast"
)

// maxDepth bounds recursion through self-referencing values.
const maxDepth = 64

// Fallback is written when a sanitized value still fails to marshal.
var Fallback = []byte(`{"detail":"result could not be serialized"}`)

type kind int

const (
	kindNull kind = iota
	kindBool
	kindInt
	kindUint
	kindFloat
	kindString
	kindNumber // json.Number
	kindBigNumber
	kindRawJSON
	kindBytes
	kindText // encoding.TextMarshaler
	kindError
	kindIndirect
	kindSequence
	kindMapping
	kindStruct
	kindOpaque
)

var (
	numberType   = reflect.TypeOf(json.Number(""))
	rawJSONType  = reflect.TypeOf(json.RawMessage(nil))
	bigIntType   = reflect.TypeOf(big.Int{})
	bigFloatType = reflect.TypeOf(big.Float{})
	bigRatType   = reflect.TypeOf(big.Rat{})
	textType     = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// Value returns a JSON-legal copy of v. It never panics.
func Value(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = opaque(v)
		}
	}()
	return walk(reflect.ValueOf(v), 0)
}

// Map sanitizes v and guarantees a mapping at the top level; non-mapping
// values are wrapped under "value".
func Map(v any) map[string]any {
	switch m := Value(v).(type) {
	case map[string]any:
		return m
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"value": m}
	}
}

// JSON marshals the sanitized form of v, returning Fallback if that fails.
func JSON(v any) []byte {
	data, err := json.Marshal(Value(v))
	if err != nil {
		return Fallback
	}
	return data
}

func classify(rv reflect.Value) kind {
	if !rv.IsValid() {
		return kindNull
	}

	t := rv.Type()
	switch {
	case t == numberType:
		return kindNumber
	case t == rawJSONType:
		return kindRawJSON
	case t == bigIntType || t == bigFloatType || t == bigRatType:
		return kindBigNumber
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return kindNull
		}
		if t.Implements(errorType) {
			return kindError
		}
		if t.Implements(textType) && rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct && !isBig(rv.Elem().Type()) {
			return kindText
		}
		return kindIndirect
	case reflect.Bool:
		return kindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return kindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return kindUint
	case reflect.Float32, reflect.Float64:
		return kindFloat
	case reflect.String:
		return kindString
	case reflect.Slice:
		if rv.IsNil() {
			return kindSequence
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return kindBytes
		}
		return kindSequence
	case reflect.Array:
		return kindSequence
	case reflect.Map:
		return kindMapping
	case reflect.Struct:
		if t.Implements(textType) {
			return kindText
		}
		if t.Implements(errorType) {
			return kindError
		}
		return kindStruct
	default:
		return kindOpaque
	}
}

// walk converts one node. A panic raised while converting a node, such as
// from a user Error or MarshalText method, degrades only that node.
func walk(rv reflect.Value, depth int) (out any) {
	if depth > maxDepth {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = fallback(rv)
		}
	}()

	switch classify(rv) {
	case kindNull:
		return nil
	case kindBool:
		return rv.Bool()
	case kindInt:
		return rv.Int()
	case kindUint:
		return rv.Uint()
	case kindFloat:
		return finite(floatOf(rv))
	case kindString:
		return rv.String()
	case kindNumber:
		return number(json.Number(rv.String()))
	case kindBigNumber:
		return bigNumber(rv)
	case kindRawJSON:
		return rawJSON(rv.Bytes(), depth)
	case kindBytes:
		return bytesValue(rv.Bytes())
	case kindText:
		text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return opaque(rv.Interface())
		}
		return string(text)
	case kindError:
		return rv.Interface().(error).Error()
	case kindIndirect:
		return walk(rv.Elem(), depth+1)
	case kindSequence:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = walk(rv.Index(i), depth+1)
		}
		return out
	case kindMapping:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = walk(iter.Value(), depth+1)
		}
		return out
	case kindStruct:
		out := make(map[string]any, rv.NumField())
		structFields(rv, out, depth)
		return out
	default:
		return opaque(rv.Interface())
	}
}

// floatOf widens float32 through its shortest decimal form so 3.14 stays 3.14.
func floatOf(rv reflect.Value) float64 {
	f := rv.Float()
	if rv.Kind() == reflect.Float32 && !math.IsNaN(f) && !math.IsInf(f, 0) {
		if v, err := strconv.ParseFloat(strconv.FormatFloat(f, 'g', -1, 32), 64); err == nil {
			return v
		}
	}
	return f
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(n.String()), 64)
	if err != nil {
		// covers NaN/Infinity spellings that some servers emit
		return nil
	}
	return finite(f)
}

func bigNumber(rv reflect.Value) any {
	if !rv.CanAddr() {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		rv = p.Elem()
	}
	switch v := rv.Addr().Interface().(type) {
	case *big.Int:
		if v.IsInt64() {
			return v.Int64()
		}
		f, _ := new(big.Float).SetInt(v).Float64()
		return finite(f)
	case *big.Float:
		f, _ := v.Float64()
		return finite(f)
	case *big.Rat:
		f, _ := v.Float64()
		return finite(f)
	}
	return nil
}

func isBig(t reflect.Type) bool {
	return t == bigIntType || t == bigFloatType || t == bigRatType
}

func rawJSON(data []byte, depth int) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return bytesValue(data)
	}
	return walk(reflect.ValueOf(v), depth+1)
}

func bytesValue(b []byte) any {
	if utf8.Valid(b) {
		return string(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func mapKey(k reflect.Value) string {
	for k.Kind() == reflect.Interface && !k.IsNil() {
		k = k.Elem()
	}
	if k.Kind() == reflect.String {
		return k.String()
	}
	if !k.IsValid() || !k.CanInterface() {
		return "<nil>"
	}
	if s, err := cast.ToStringE(k.Interface()); err == nil {
		return s
	}
	return opaque(k.Interface())
}

func structFields(rv reflect.Value, out map[string]any, depth int) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fv := rv.Field(i)

		name, omitEmpty, skip := jsonName(f)
		if skip {
			continue
		}
		if f.Anonymous && f.IsExported() && f.Tag.Get("json") == "" {
			for fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					break
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				structFields(fv, out, depth)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = walk(fv, depth+1)
	}
}

func jsonName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, strings.Contains(opts, "omitempty"), false
}

func fallback(rv reflect.Value) any {
	if !rv.IsValid() || !rv.CanInterface() {
		return nil
	}
	return opaque(rv.Interface())
}

func opaque(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("<%T>", v)
		}
	}()
	return fmt.Sprint(v)
}
