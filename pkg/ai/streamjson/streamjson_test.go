package streamjson

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseStrict(t *testing.T) {
	got := Parse(`{"a":1,"b":"hello"}`)
	want := map[string]any{"a": float64(1), "b": "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse = %v, want %v", got, want)
	}
}

func TestParsePrefixGrowth(t *testing.T) {
	// Mirrors a tool call streamed as {"a":1, | "b":"hel | lo"}
	steps := []struct {
		buffer string
		want   map[string]any
	}{
		{`{"a":1,`, map[string]any{"a": float64(1)}},
		{`{"a":1,"b":"hel`, map[string]any{"a": float64(1), "b": "hel"}},
		{`{"a":1,"b":"hello"}`, map[string]any{"a": float64(1), "b": "hello"}},
	}
	for _, s := range steps {
		if got := Parse(s.buffer); !reflect.DeepEqual(got, s.want) {
			t.Errorf("Parse(%q) = %v, want %v", s.buffer, got, s.want)
		}
	}
}

func TestParseTruncations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"empty", "", map[string]any{}},
		{"open brace", "{", map[string]any{}},
		{"key open", `{"a`, map[string]any{"a": nil}},
		{"key closed", `{"a"`, map[string]any{"a": nil}},
		{"key colon", `{"a":`, map[string]any{"a": nil}},
		{"string value closed", `{"a":"x"`, map[string]any{"a": "x"}},
		{"partial true", `{"a":tru`, map[string]any{"a": true}},
		{"partial false", `{"a":fal`, map[string]any{"a": false}},
		{"partial null", `{"a":nu`, map[string]any{"a": nil}},
		{"dangling minus", `{"a":-`, map[string]any{"a": nil}},
		{"trailing exponent", `{"a":1e`, map[string]any{"a": float64(1)}},
		{"nested object", `{"a":{"b":[1,2`, map[string]any{"a": map[string]any{"b": []any{float64(1), float64(2)}}}},
		{"escape mid string", `{"a":"x\`, map[string]any{"a": "x"}},
		{"escaped quote", `{"a":"x\"y`, map[string]any{"a": `x"y`}},
		{"array of strings", `{"files":["a.go","b`, map[string]any{"files": []any{"a.go", "b"}}},
		{"not an object", `[1,2]`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.in)
			if got == nil {
				t.Fatal("Parse returned nil map")
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// Every prefix of a valid document parses to some object without panicking.
func TestParseAllPrefixes(t *testing.T) {
	full := `{"path":"/tmp/x.go","count":42,"flags":{"dry":false},"tags":["a","b c","d\"e"],"ratio":-1.5e3,"ok":true}`
	var want map[string]any
	if err := json.Unmarshal([]byte(full), &want); err != nil {
		t.Fatal(err)
	}
	for i := 0; i <= len(full); i++ {
		got := Parse(full[:i])
		if got == nil {
			t.Fatalf("Parse(%q) returned nil", full[:i])
		}
	}
	if got := Parse(full); !reflect.DeepEqual(got, want) {
		t.Errorf("full parse mismatch: %v", got)
	}
}
