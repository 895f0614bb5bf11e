package value

import "testing"

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"true string", String("true"), true},
		{"1 string", String("1"), true},
		{"false string", String("false"), false},
		{"0 string", String("0"), false},
		{"empty string", String(""), false},
		{"other string", String("yes"), true},
		{"null", Null(), false},
		{"zero int", Int(0), false},
		{"nonzero int", Int(5), true},
		{"empty array", Array(nil), false},
		{"nonempty array", Array([]Value{Int(1)}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Truthy(); got != tt.want {
				t.Errorf("Truthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromAnyRoundTrip(t *testing.T) {
	a := map[string]any{
		"name": "lineup",
		"count": float64(3),
		"tags": []any{"a", "b"},
	}
	v := FromAny(a)
	obj, ok := v.Object()
	if !ok {
		t.Fatalf("expected object value")
	}
	name, ok := obj["name"].String()
	if !ok || name != "lineup" {
		t.Errorf("name = %v, want lineup", name)
	}
	tags, ok := obj["tags"].Array()
	if !ok || len(tags) != 2 {
		t.Errorf("tags = %v, want 2-element array", tags)
	}
}

func TestParseJSON(t *testing.T) {
	v, err := ParseJSON("packages", `["a", "b", "c"]`)
	if err != nil {
		t.Fatalf("ParseJSON failed: %v", err)
	}
	arr, ok := v.Array()
	if !ok || len(arr) != 3 {
		t.Fatalf("expected 3-element array, got %v", v)
	}
}

func TestParseJSON_Invalid(t *testing.T) {
	_, err := ParseJSON("packages", `not json`)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseYAML(t *testing.T) {
	v, err := ParseYAML("cfg", "a: 1\nb: two\n")
	if err != nil {
		t.Fatalf("ParseYAML failed: %v", err)
	}
	obj, ok := v.Object()
	if !ok {
		t.Fatalf("expected object, got %v", v)
	}
	if b, _ := obj["b"].String(); b != "two" {
		t.Errorf("b = %v, want two", b)
	}
}

func TestMatchesType(t *testing.T) {
	tests := []struct {
		v    Value
		t    TypeName
		want bool
	}{
		{Array(nil), TypeArray, true},
		{Array(nil), TypeString, false},
		{Int(42), TypeNumber, true},
		{Int(-1), TypeU64, false},
		{String("x"), TypeString, true},
	}
	for _, tt := range tests {
		if got := tt.v.MatchesType(tt.t); got != tt.want {
			t.Errorf("MatchesType(%v, %s) = %v, want %v", tt.v, tt.t, got, tt.want)
		}
	}
}

func TestResolveTypeName(t *testing.T) {
	tests := []struct {
		alias string
		want  TypeName
	}{
		{"s", TypeString}, {"string", TypeString},
		{"a", TypeArray}, {"array", TypeArray},
		{"o", TypeObject},
	}
	for _, tt := range tests {
		got, ok := ResolveTypeName(tt.alias)
		if !ok || got != tt.want {
			t.Errorf("ResolveTypeName(%s) = %v,%v want %v", tt.alias, got, ok, tt.want)
		}
	}
	if _, ok := ResolveTypeName("bogus"); ok {
		t.Error("expected ResolveTypeName(bogus) to fail")
	}
}

func TestAsDisplayString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{String("hi"), "hi"},
		{Int(42), "42"},
		{Bool(true), "true"},
		{Null(), ""},
	}
	for _, tt := range tests {
		if got := tt.v.AsDisplayString(); got != tt.want {
			t.Errorf("AsDisplayString() = %q, want %q", got, tt.want)
		}
	}
}
