package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/plugin-sandbox/errors"
)

// Param is one named, typed argument of a method.
type Param struct {
	Type wit.Type
	Name string
}

// Method is one entry of a contract's method table.
// Result may be nil for methods that return nothing.
type Method struct {
	Result wit.Type
	Name   string
	Params []Param
}

// Contract is the method table both sides of the boundary agree on at
// build time. Methods are addressed by position (id) or name; it is never
// mutated after New.
type Contract struct {
	byName  map[string]int
	name    string
	methods []Method
	version int
}

// New builds a contract. Method and parameter names must be unique.
func New(name string, version int, methods ...Method) (*Contract, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.InvalidInput(errors.PhaseBind, "contract name is required")
	}
	if len(methods) == 0 {
		return nil, errors.InvalidInput(errors.PhaseBind, "contract "+name+" declares no methods")
	}

	c := &Contract{
		name:    name,
		version: version,
		methods: make([]Method, len(methods)),
		byName:  make(map[string]int, len(methods)),
	}
	for i, m := range methods {
		if m.Name == "" {
			return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("contract %s: method %d has no name", name, i))
		}
		if _, dup := c.byName[m.Name]; dup {
			return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("contract %s: duplicate method %s", name, m.Name))
		}
		seen := make(map[string]bool, len(m.Params))
		for _, p := range m.Params {
			if p.Name == "" || p.Type == nil {
				return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("contract %s: method %s has an unnamed or untyped param", name, m.Name))
			}
			if seen[p.Name] {
				return nil, errors.InvalidInput(errors.PhaseBind, fmt.Sprintf("contract %s: method %s repeats param %s", name, m.Name, p.Name))
			}
			seen[p.Name] = true
		}
		c.methods[i] = m
		c.byName[m.Name] = i
	}
	return c, nil
}

// MustNew is New for package-level contract declarations.
func MustNew(name string, version int, methods ...Method) *Contract {
	c, err := New(name, version, methods...)
	if err != nil {
		panic(err)
	}
	return c
}

// Name is the service name the contract binds under.
func (c *Contract) Name() string { return c.name }

// Version is the build-time contract version.
func (c *Contract) Version() int { return c.version }

// ID identifies the contract in logs, e.g. "extractor@1".
func (c *Contract) ID() string { return fmt.Sprintf("%s@%d", c.name, c.version) }

// Len returns the number of methods.
func (c *Contract) Len() int { return len(c.methods) }

// Method returns the method at position id.
func (c *Contract) Method(id int) (Method, bool) {
	if id < 0 || id >= len(c.methods) {
		return Method{}, false
	}
	return c.methods[id], true
}

// Lookup returns the method named name and its id.
func (c *Contract) Lookup(name string) (Method, int, bool) {
	id, ok := c.byName[name]
	if !ok {
		return Method{}, -1, false
	}
	return c.methods[id], id, true
}

// MethodNames returns method names in table order.
func (c *Contract) MethodNames() []string {
	names := make([]string, len(c.methods))
	for i, m := range c.methods {
		names[i] = m.Name
	}
	return names
}

// EncodeArgs validates args against m's params and marshals them as a JSON
// array in declaration order.
func (c *Contract) EncodeArgs(method string, args ...any) ([]byte, error) {
	m, _, ok := c.Lookup(method)
	if !ok {
		return nil, errors.Serialization(errors.PhaseEncode, []string{c.name, method}, "method not in contract %s", c.ID())
	}
	if len(args) != len(m.Params) {
		return nil, errors.Serialization(errors.PhaseEncode, []string{c.name, method}, "expected %d args, got %d", len(m.Params), len(args))
	}

	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		path := []string{c.name, method, m.Params[i].Name}
		raw, err := marshal(arg)
		if err != nil {
			return nil, errors.New(errors.PhaseEncode, errors.KindSerializationFault).Path(path...).Cause(err).Build()
		}
		if err := validate(errors.PhaseEncode, m.Params[i].Type, raw, path); err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return marshal(out)
}

// DecodeArgs splits a JSON argument array and validates each element
// against m's params.
func (c *Contract) DecodeArgs(method string, data []byte) ([]json.RawMessage, error) {
	m, _, ok := c.Lookup(method)
	if !ok {
		return nil, errors.Serialization(errors.PhaseDecode, []string{c.name, method}, "method not in contract %s", c.ID())
	}
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, errors.New(errors.PhaseDecode, errors.KindSerializationFault).Path(c.name, method).Detail("args are not a JSON array").Cause(err).Build()
	}
	if len(args) != len(m.Params) {
		return nil, errors.Serialization(errors.PhaseDecode, []string{c.name, method}, "expected %d args, got %d", len(m.Params), len(args))
	}
	for i, raw := range args {
		if err := Check(m.Params[i].Type, raw, []string{c.name, method, m.Params[i].Name}); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// EncodeResult validates v against m's result type and marshals it.
func (c *Contract) EncodeResult(method string, v any) ([]byte, error) {
	m, _, ok := c.Lookup(method)
	if !ok {
		return nil, errors.Serialization(errors.PhaseEncode, []string{c.name, method}, "method not in contract %s", c.ID())
	}
	path := []string{c.name, method, "result"}
	raw, err := marshal(v)
	if err != nil {
		return nil, errors.New(errors.PhaseEncode, errors.KindSerializationFault).Path(path...).Cause(err).Build()
	}
	if m.Result == nil {
		if string(raw) != "null" {
			return nil, errors.Serialization(errors.PhaseEncode, path, "method returns nothing")
		}
		return raw, nil
	}
	if err := validate(errors.PhaseEncode, m.Result, raw, path); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodeResult validates data against m's result type and unmarshals it
// into out. out may be nil to validate only.
func (c *Contract) DecodeResult(method string, data []byte, out any) error {
	m, _, ok := c.Lookup(method)
	if !ok {
		return errors.Serialization(errors.PhaseDecode, []string{c.name, method}, "method not in contract %s", c.ID())
	}
	path := []string{c.name, method, "result"}
	if m.Result == nil {
		if len(data) != 0 && string(data) != "null" {
			return errors.Serialization(errors.PhaseDecode, path, "method returns nothing")
		}
		return nil
	}
	if err := Check(m.Result, data, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.PhaseDecode, errors.KindSerializationFault).Path(path...).Cause(err).Build()
	}
	return nil
}

// marshal is json.Marshal without HTML escaping: markup crosses the
// boundary as written.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
