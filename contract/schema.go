package contract

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/plugin-sandbox/errors"
)

// Check validates a JSON value against a WIT type.
//
// JSON mapping:
//
//	bool, string          JSON bool, string
//	u8..u64, s8..s64      integer literal within range
//	f32, f64              any number
//	char                  single-rune string
//	list<T>               array (list<u8> also accepts base64 string)
//	option<T>             null or T
//	tuple<...>            array of exact length
//	record                object; option fields may be omitted
//	enum                  case name string
//	flags                 array of distinct flag names
//	variant               {"case": payload} with exactly one key
//	result<T, E>          {"ok": T} or {"err": E}
func Check(t wit.Type, data []byte, path []string) error {
	return validate(errors.PhaseDecode, t, data, path)
}

func validate(phase errors.Phase, t wit.Type, data []byte, path []string) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return errors.New(phase, errors.KindSerializationFault).Path(path...).Detail("invalid JSON").Cause(err).Build()
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.Serialization(phase, append([]string(nil), path...), "trailing data after JSON value")
	}
	c := checker{phase: phase}
	return c.value(t, v, path)
}

type checker struct {
	phase errors.Phase
}

func (c checker) fail(path []string, format string, args ...any) error {
	return errors.Serialization(c.phase, append([]string(nil), path...), format, args...)
}

func (c checker) value(t wit.Type, v any, path []string) error {
	switch t := t.(type) {
	case wit.Bool:
		if _, ok := v.(bool); !ok {
			return c.fail(path, "expected bool, got %s", jsonKind(v))
		}
	case wit.String:
		if _, ok := v.(string); !ok {
			return c.fail(path, "expected string, got %s", jsonKind(v))
		}
	case wit.Char:
		s, ok := v.(string)
		if !ok || utf8.RuneCountInString(s) != 1 {
			return c.fail(path, "expected single character string")
		}
	case wit.U8:
		return c.unsigned(v, 8, path)
	case wit.U16:
		return c.unsigned(v, 16, path)
	case wit.U32:
		return c.unsigned(v, 32, path)
	case wit.U64:
		return c.unsigned(v, 64, path)
	case wit.S8:
		return c.signed(v, 8, path)
	case wit.S16:
		return c.signed(v, 16, path)
	case wit.S32:
		return c.signed(v, 32, path)
	case wit.S64:
		return c.signed(v, 64, path)
	case wit.F32, wit.F64:
		if _, ok := v.(json.Number); !ok {
			return c.fail(path, "expected number, got %s", jsonKind(v))
		}
	case *wit.TypeDef:
		return c.typeDef(t, v, path)
	default:
		return c.fail(path, "unsupported contract type %T", t)
	}
	return nil
}

func (c checker) unsigned(v any, bits int, path []string) error {
	n, ok := v.(json.Number)
	if !ok {
		return c.fail(path, "expected u%d, got %s", bits, jsonKind(v))
	}
	if _, err := strconv.ParseUint(n.String(), 10, bits); err != nil {
		return c.fail(path, "value %s out of range for u%d", n, bits)
	}
	return nil
}

func (c checker) signed(v any, bits int, path []string) error {
	n, ok := v.(json.Number)
	if !ok {
		return c.fail(path, "expected s%d, got %s", bits, jsonKind(v))
	}
	if _, err := strconv.ParseInt(n.String(), 10, bits); err != nil {
		return c.fail(path, "value %s out of range for s%d", n, bits)
	}
	return nil
}

func (c checker) typeDef(td *wit.TypeDef, v any, path []string) error {
	switch k := td.Kind.(type) {
	case *wit.Record:
		obj, ok := v.(map[string]any)
		if !ok {
			return c.fail(path, "expected record object, got %s", jsonKind(v))
		}
		known := make(map[string]bool, len(k.Fields))
		for _, f := range k.Fields {
			known[f.Name] = true
			fv, present := obj[f.Name]
			if !present {
				if isOption(f.Type) {
					continue
				}
				return c.fail(append(path, f.Name), "required field missing")
			}
			if err := c.value(f.Type, fv, append(path, f.Name)); err != nil {
				return err
			}
		}
		for name := range obj {
			if !known[name] {
				return c.fail(append(path, name), "unknown field")
			}
		}

	case *wit.List:
		if s, ok := v.(string); ok {
			if _, isByte := k.Type.(wit.U8); isByte {
				if _, err := base64.StdEncoding.DecodeString(s); err != nil {
					return c.fail(path, "list<u8> string is not base64")
				}
				return nil
			}
		}
		arr, ok := v.([]any)
		if !ok {
			return c.fail(path, "expected list, got %s", jsonKind(v))
		}
		for i, e := range arr {
			if err := c.value(k.Type, e, append(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}

	case *wit.Option:
		if v == nil {
			return nil
		}
		return c.value(k.Type, v, path)

	case *wit.Tuple:
		arr, ok := v.([]any)
		if !ok || len(arr) != len(k.Types) {
			return c.fail(path, "expected tuple of %d", len(k.Types))
		}
		for i, e := range arr {
			if err := c.value(k.Types[i], e, append(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}

	case *wit.Enum:
		s, ok := v.(string)
		if !ok {
			return c.fail(path, "expected enum case name, got %s", jsonKind(v))
		}
		for _, ec := range k.Cases {
			if ec.Name == s {
				return nil
			}
		}
		return c.fail(path, "unknown enum case %q", s)

	case *wit.Flags:
		arr, ok := v.([]any)
		if !ok {
			return c.fail(path, "expected flags array, got %s", jsonKind(v))
		}
		seen := make(map[string]bool, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok || seen[s] || !hasFlag(k, s) {
				return c.fail(path, "invalid flag %v", e)
			}
			seen[s] = true
		}

	case *wit.Variant:
		name, payload, err := c.single(v, path)
		if err != nil {
			return err
		}
		for _, vc := range k.Cases {
			if vc.Name != name {
				continue
			}
			if vc.Type == nil {
				if payload != nil {
					return c.fail(append(path, name), "case carries no payload")
				}
				return nil
			}
			return c.value(vc.Type, payload, append(path, name))
		}
		return c.fail(path, "unknown variant case %q", name)

	case *wit.Result:
		name, payload, err := c.single(v, path)
		if err != nil {
			return err
		}
		var inner wit.Type
		switch name {
		case "ok":
			inner = k.OK
		case "err":
			inner = k.Err
		default:
			return c.fail(path, "result must be {\"ok\": ...} or {\"err\": ...}")
		}
		if inner == nil {
			if payload != nil {
				return c.fail(append(path, name), "result case carries no payload")
			}
			return nil
		}
		return c.value(inner, payload, append(path, name))

	case wit.Type:
		return c.value(k, v, path)

	default:
		return c.fail(path, "unsupported contract type %T", k)
	}
	return nil
}

func (c checker) single(v any, path []string) (string, any, error) {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return "", nil, c.fail(path, "expected object with exactly one case key")
	}
	for name, payload := range obj {
		return name, payload, nil
	}
	return "", nil, nil
}

func isOption(t wit.Type) bool {
	td, ok := t.(*wit.TypeDef)
	if !ok {
		return false
	}
	_, opt := td.Kind.(*wit.Option)
	return opt
}

func hasFlag(f *wit.Flags, name string) bool {
	for _, fl := range f.Flags {
		if fl.Name == name {
			return true
		}
	}
	return false
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}
