package bus

import (
	"bytes"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestEncodeValue_RoundTrip(t *testing.T) {
	instant := time.UnixMilli(1700000000123).UTC()
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"string", "héllo\nworld", "héllo\nworld"},
		{"int", int64(42), int64(42)},
		{"negative int", int64(-7), int64(-7)},
		{"large int", int64(1<<53 + 1), int64(1<<53 + 1)},
		{"float", 3.25, 3.25},
		{"integral float stays float", 2.0, 2.0},
		{"bytes", []byte{0x00, 0xff, 0x10}, []byte{0x00, 0xff, 0x10}},
		{"instant", instant, instant},
		{"list", []any{int64(1), "two", 3.5}, []any{int64(1), "two", 3.5}},
		{
			"nested map",
			map[string]any{"a": int64(1), "b": map[string]any{"c": []any{true, nil}}},
			map[string]any{"a": int64(1), "b": map[string]any{"c": []any{true, nil}}},
		},
		{
			"map colliding with tag key",
			map[string]any{"$t": "sneaky", "x": int64(1)},
			map[string]any{"$t": "sneaky", "x": int64(1)},
		},
		{
			"mixed rich map",
			map[string]any{"at": instant, "blob": []byte("abc")},
			map[string]any{"at": instant, "blob": []byte("abc")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := EncodeValue(tc.in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeValue(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("round trip = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestEncodeValue_IntFloatDistinct(t *testing.T) {
	encInt, err := EncodeValue(int64(2))
	if err != nil {
		t.Fatal(err)
	}
	encFloat, err := EncodeValue(2.0)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(encInt, encFloat) {
		t.Fatalf("int and float encode identically: %s", encInt)
	}

	gotInt, _ := DecodeValue(encInt)
	if _, ok := gotInt.(int64); !ok {
		t.Errorf("decoded int is %T, want int64", gotInt)
	}
	gotFloat, _ := DecodeValue(encFloat)
	if _, ok := gotFloat.(float64); !ok {
		t.Errorf("decoded float is %T, want float64", gotFloat)
	}
}

func TestEncodeValue_Deterministic(t *testing.T) {
	v := map[string]any{
		"zeta":  int64(1),
		"alpha": "x",
		"mid":   map[string]any{"b": int64(2), "a": int64(1)},
	}
	first, err := EncodeValue(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := EncodeValue(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic:\n%s\n%s", first, again)
		}
	}
	// Sorted keys.
	want := `{"alpha":"x","mid":{"a":1,"b":2},"zeta":1}`
	if string(first) != want {
		t.Errorf("canonical form = %s, want %s", first, want)
	}
}

func TestEncodeValue_StructReducesThroughJSON(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	enc, err := EncodeValue(payload{Name: "x", Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeValue(enc)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map", got)
	}
	if m["name"] != "x" || m["count"] != int64(3) {
		t.Errorf("got %#v", m)
	}
}

func TestEncodeValue_RejectsNonFinite(t *testing.T) {
	if _, err := EncodeValue(math.NaN()); err == nil {
		t.Error("expected error for NaN")
	}
	if _, err := EncodeValue(math.Inf(1)); err == nil {
		t.Error("expected error for +Inf")
	}
}

func TestDecodeHeaders(t *testing.T) {
	enc, err := EncodeValue(map[string]string{"request_id": "r1", "session_id": "s1"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeHeaders(enc)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"request_id": "r1", "session_id": "s1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("headers = %#v, want %#v", got, want)
	}

	if _, err := decodeHeaders([]byte(`{"n":1}`)); err == nil {
		t.Error("expected error for non-string header value")
	}
	if _, err := decodeHeaders([]byte(`[1]`)); err == nil {
		t.Error("expected error for non-map headers")
	}
}
