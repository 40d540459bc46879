package contract

import (
	"strings"
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/plugin-sandbox/errors"
)

var docContract = MustNew("doc", 1,
	Method{
		Name:   "summarize",
		Params: []Param{{Name: "body", Type: wit.String{}}, {Name: "limit", Type: wit.U8{}}},
		Result: &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{
			{Name: "text", Type: wit.String{}},
			{Name: "lang", Type: &wit.TypeDef{Kind: &wit.Option{Type: wit.String{}}}},
		}}},
	},
	Method{Name: "reset"},
)

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		cname   string
		methods []Method
	}{
		{"empty name", "", []Method{{Name: "a"}}},
		{"no methods", "svc", nil},
		{"unnamed method", "svc", []Method{{}}},
		{"duplicate method", "svc", []Method{{Name: "a"}, {Name: "a"}}},
		{"untyped param", "svc", []Method{{Name: "a", Params: []Param{{Name: "x"}}}}},
		{"repeated param", "svc", []Method{{Name: "a", Params: []Param{
			{Name: "x", Type: wit.U32{}},
			{Name: "x", Type: wit.U32{}},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cname, 1, tt.methods...); !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("expected invalid_input, got %v", err)
			}
		})
	}
}

func TestContract_Accessors(t *testing.T) {
	if docContract.ID() != "doc@1" {
		t.Errorf("ID = %q", docContract.ID())
	}
	if docContract.Len() != 2 {
		t.Errorf("Len = %d", docContract.Len())
	}
	m, id, ok := docContract.Lookup("reset")
	if !ok || id != 1 || m.Name != "reset" {
		t.Errorf("Lookup(reset) = %v %d %v", m, id, ok)
	}
	if _, _, ok := docContract.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
	if _, ok := docContract.Method(5); ok {
		t.Error("Method(5) should fail")
	}
	if got := strings.Join(docContract.MethodNames(), ","); got != "summarize,reset" {
		t.Errorf("MethodNames = %s", got)
	}
}

func TestEncodeArgs(t *testing.T) {
	data, err := docContract.EncodeArgs("summarize", "<p>hi</p>", 10)
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	if string(data) != `["<p>hi</p>",10]` {
		t.Errorf("EncodeArgs = %s", data)
	}

	args, err := docContract.DecodeArgs("summarize", data)
	if err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if len(args) != 2 {
		t.Errorf("decoded %d args", len(args))
	}
}

func TestEncodeArgs_Faults(t *testing.T) {
	tests := []struct {
		name   string
		method string
		args   []any
		path   string
	}{
		{"unknown method", "nope", nil, "doc.nope"},
		{"arity", "summarize", []any{"x"}, "doc.summarize"},
		{"wrong type", "summarize", []any{42, 1}, "doc.summarize.body"},
		{"out of range", "summarize", []any{"x", 300}, "doc.summarize.limit"},
		{"negative unsigned", "summarize", []any{"x", -1}, "doc.summarize.limit"},
		{"unmarshalable", "summarize", []any{make(chan int), 1}, "doc.summarize.body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := docContract.EncodeArgs(tt.method, tt.args...)
			if !errors.Is(err, errors.ErrSerializationFault) {
				t.Fatalf("expected serialization_fault, got %v", err)
			}
			var e *errors.Error
			if !errors.As(err, &e) {
				t.Fatalf("not a structured error: %v", err)
			}
			if e.Phase != errors.PhaseEncode {
				t.Errorf("phase = %s, want encode", e.Phase)
			}
			if got := strings.Join(e.Path, "."); got != tt.path {
				t.Errorf("path = %s, want %s", got, tt.path)
			}
		})
	}
}

func TestDecodeResult(t *testing.T) {
	var out struct {
		Text string  `json:"text"`
		Lang *string `json:"lang"`
	}
	if err := docContract.DecodeResult("summarize", []byte(`{"text":"Hello"}`), &out); err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if out.Text != "Hello" || out.Lang != nil {
		t.Errorf("out = %+v", out)
	}

	bad := []string{
		`{"txt":"Hello"}`,
		`{"text":5}`,
		`{"text":"a","extra":1}`,
		`[1]`,
		`not json`,
		`{"text":"a"} {"evil":1}`,
		`{"text":"a"}]`,
	}
	for _, b := range bad {
		err := docContract.DecodeResult("summarize", []byte(b), nil)
		if !errors.Is(err, errors.ErrSerializationFault) {
			t.Errorf("DecodeResult(%s): expected serialization_fault, got %v", b, err)
		}
	}
}

func TestEncodeResult_KeepsMarkup(t *testing.T) {
	data, err := docContract.EncodeResult("summarize", map[string]any{"text": "a & <b>"})
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	if string(data) != `{"text":"a & <b>"}` {
		t.Errorf("EncodeResult = %s", data)
	}
}

func TestCheck_TrailingData(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"single value", `"x"`, true},
		{"trailing whitespace", "\"x\" \n", true},
		{"second value", `"x" "y"`, false},
		{"trailing garbage", `"x"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(wit.String{}, []byte(tt.data), []string{"v"})
			if tt.ok && err != nil {
				t.Errorf("Check: %v", err)
			}
			if !tt.ok && !errors.Is(err, errors.ErrSerializationFault) {
				t.Errorf("expected serialization_fault, got %v", err)
			}
		})
	}
}

func TestVoidMethod(t *testing.T) {
	if _, err := docContract.EncodeResult("reset", nil); err != nil {
		t.Errorf("EncodeResult(nil): %v", err)
	}
	if _, err := docContract.EncodeResult("reset", "x"); !errors.Is(err, errors.ErrSerializationFault) {
		t.Errorf("expected fault for value from void method, got %v", err)
	}
	if err := docContract.DecodeResult("reset", nil, nil); err != nil {
		t.Errorf("DecodeResult(empty): %v", err)
	}
}

func TestCheck_Types(t *testing.T) {
	td := func(k wit.TypeDefKind) wit.Type { return &wit.TypeDef{Kind: k} }
	color := td(&wit.Enum{Cases: []wit.EnumCase{{Name: "red"}, {Name: "green"}}})
	perms := td(&wit.Flags{Flags: []wit.Flag{{Name: "read"}, {Name: "write"}}})
	shape := td(&wit.Variant{Cases: []wit.Case{{Name: "none"}, {Name: "circle", Type: wit.F64{}}}})
	res := td(&wit.Result{OK: wit.U32{}, Err: wit.String{}})
	alias := td(wit.String{})

	tests := []struct {
		name string
		typ  wit.Type
		data string
		ok   bool
	}{
		{"bool", wit.Bool{}, `true`, true},
		{"bool mismatch", wit.Bool{}, `"true"`, false},
		{"char", wit.Char{}, `"é"`, true},
		{"char too long", wit.Char{}, `"ab"`, false},
		{"s8 min", wit.S8{}, `-128`, true},
		{"s8 underflow", wit.S8{}, `-129`, false},
		{"u64 max", wit.U64{}, `18446744073709551615`, true},
		{"u32 fraction", wit.U32{}, `1.5`, false},
		{"f32", wit.F32{}, `1.5e3`, true},
		{"list", td(&wit.List{Type: wit.U16{}}), `[1,2,3]`, true},
		{"list bad elem", td(&wit.List{Type: wit.U16{}}), `[1,"x"]`, false},
		{"bytes base64", td(&wit.List{Type: wit.U8{}}), `"aGk="`, true},
		{"option null", td(&wit.Option{Type: wit.U8{}}), `null`, true},
		{"option value", td(&wit.Option{Type: wit.U8{}}), `7`, true},
		{"tuple", td(&wit.Tuple{Types: []wit.Type{wit.String{}, wit.Bool{}}}), `["a",false]`, true},
		{"tuple arity", td(&wit.Tuple{Types: []wit.Type{wit.String{}, wit.Bool{}}}), `["a"]`, false},
		{"enum", color, `"green"`, true},
		{"enum unknown", color, `"blue"`, false},
		{"flags", perms, `["read","write"]`, true},
		{"flags repeated", perms, `["read","read"]`, false},
		{"variant payload", shape, `{"circle":2.5}`, true},
		{"variant empty case", shape, `{"none":null}`, true},
		{"variant two keys", shape, `{"none":null,"circle":1}`, false},
		{"result ok", res, `{"ok":3}`, true},
		{"result err", res, `{"err":"boom"}`, true},
		{"result bad key", res, `{"value":3}`, false},
		{"alias", alias, `"x"`, true},
		{"unsupported", td(&wit.Resource{}), `1`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.typ, []byte(tt.data), []string{"v"})
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, errors.ErrSerializationFault) {
				t.Errorf("expected serialization_fault, got %v", err)
			}
		})
	}
}
