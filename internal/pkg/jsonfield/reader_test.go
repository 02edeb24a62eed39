package jsonfield

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sample struct {
	Name   string
	Count  int32
	Big    int64
	Tags   []string
	Nested string
	Map    map[string]string
}

func sampleFields(s *sample) Fields {
	return Fields{
		"name":  String(&s.Name),
		"count": Int32(&s.Count),
		"big":   Int64(&s.Big),
		"tags": Array(func(r *Reader) error {
			v, err := r.String()
			if err != nil {
				return err
			}
			s.Tags = append(s.Tags, v)
			return nil
		}),
		"nested": Object(Fields{
			"value": String(&s.Nested),
		}),
		"map": Each(func(name string, r *Reader) error {
			v, err := r.String()
			if err != nil {
				return err
			}
			if s.Map == nil {
				s.Map = map[string]string{}
			}
			s.Map[name] = v
			return nil
		}),
	}
}

func TestDecode(t *testing.T) {
	want := sample{
		Name:   "contoso",
		Count:  3,
		Big:    1 << 40,
		Tags:   []string{"a", "b"},
		Nested: "deep",
		Map:    map[string]string{"f1": "u1", "f2": "u2"},
	}

	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "all fields",
			input: `{"name":"contoso","count":3,"big":1099511627776,"tags":["a","b"],"nested":{"value":"deep"},"map":{"f1":"u1","f2":"u2"}}`,
		},
		{
			name:  "reordered with whitespace",
			input: " {\n \"map\" : {\"f1\":\"u1\",\"f2\":\"u2\"}, \"nested\":{\"value\":\"deep\"},\t\"tags\":[\"a\",\"b\"],\"big\":1099511627776,\"count\":3,\"name\":\"contoso\"}\n",
		},
		{
			name:  "unknown siblings everywhere",
			input: `{"x":1,"name":"contoso","y":{"name":"evil","z":[{"name":"evil"}]},"count":3,"big":1099511627776,"tags":["a","b"],"nested":{"skip":[1,2,{"a":null}],"value":"deep","more":true},"map":{"f1":"u1","f2":"u2"},"tail":"x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sample
			if err := Decode([]byte(tt.input), sampleFields(&got)); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("unexpected result (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeNull(t *testing.T) {
	var got sample
	input := `{"name":null,"count":null,"big":null,"tags":null,"nested":null,"map":null}`
	if err := Decode([]byte(input), sampleFields(&got)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(sample{}, got); diff != "" {
		t.Errorf("null should produce empty values (-want +got):\n%s", diff)
	}

	if err := Decode([]byte(`null`), sampleFields(&got)); err != nil {
		t.Errorf("null top-level object: %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ``},
		{"not an object", `"name"`},
		{"array at top", `[1,2]`},
		{"truncated object", `{"name":"contoso"`},
		{"truncated string", `{"name":"cont`},
		{"truncated nested", `{"nested":{"value":"deep"`},
		{"wrong kind for string", `{"name":42}`},
		{"wrong kind for object", `{"nested":"flat"}`},
		{"wrong kind for array", `{"tags":{"a":1}}`},
		{"wrong kind for number", `{"count":"3"}`},
		{"malformed skip", `{"unknown":[1,2,,3],"name":"x"}`},
		{"missing colon", `{"name" "x"}`},
		{"trailing garbage", `{"name":"x"} x`},
		{"trailing value", `{"name":"x"}{}`},
		{"bad escape", `{"name":"\q"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sample
			err := Decode([]byte(tt.input), sampleFields(&got))
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("Decode(%q) = %v, want ErrInvalidState", tt.input, err)
			}
		})
	}
}

func TestHandlerErrorStopsWalk(t *testing.T) {
	boom := errors.New("boom")
	var after string
	err := Decode([]byte(`{"a":"1","b":"2"}`), Fields{
		"a": func(r *Reader) error {
			if _, err := r.String(); err != nil {
				return err
			}
			return boom
		},
		"b": String(&after),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want handler error", err)
	}
	if after != "" {
		t.Errorf("walk continued after handler error")
	}
}

func TestRaw(t *testing.T) {
	var raw []byte
	var plain string
	input := `{"doc":"{\"version\":\"1.0\",\"certs\":\"a\\r\\nb\"}","plain":"x"}`
	if err := Decode([]byte(input), Fields{"doc": Raw(&raw), "plain": String(&plain)}); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if want := `{\"version\":\"1.0\",\"certs\":\"a\\r\\nb\"}`; string(raw) != want {
		t.Errorf("Raw = %s, want %s", raw, want)
	}
	if plain != "x" {
		t.Errorf("plain = %q", plain)
	}

	unescaped, err := Unescape(raw)
	if err != nil {
		t.Fatalf("Unescape: %v", err)
	}
	if want := `{"version":"1.0","certs":"a\r\nb"}`; string(unescaped) != want {
		t.Errorf("Unescape = %s, want %s", unescaped, want)
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: `abc`, want: "abc"},
		{name: "quotes", raw: `\"a\"`, want: `"a"`},
		{name: "control", raw: `a\r\n\tb`, want: "a\r\n\tb"},
		{name: "solidus", raw: `a\/b`, want: "a/b"},
		{name: "unicode", raw: `é😀`, want: "é😀"},
		{name: "empty", raw: ``, want: ""},
		{name: "bad escape", raw: `\x`, wantErr: true},
		{name: "bare quote", raw: `a"b`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unescape([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidState) {
					t.Errorf("Unescape(%q) error = %v, want ErrInvalidState", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unescape(%q): %v", tt.raw, err)
			}
			if string(got) != tt.want {
				t.Errorf("Unescape(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRawDoesNotAliasInput(t *testing.T) {
	buf := []byte(`{"doc":"abc"}`)
	var raw []byte
	if err := Decode(buf, Fields{"doc": Raw(&raw)}); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	buf[8] = 'X'
	if string(raw) != "abc" {
		t.Errorf("Raw result changed with input buffer: %q", raw)
	}
}

func TestCapture(t *testing.T) {
	buf := []byte(`{"service":{"fileUrls":{"f1":"u"},"x":[1,{"y":null}]},"$version":7}`)
	var (
		captured []byte
		version  int64
	)
	err := Decode(buf, Fields{
		"service": func(r *Reader) error {
			v, err := r.Capture()
			captured = v
			return err
		},
		"$version": Int64(&version),
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if want := `{"fileUrls":{"f1":"u"},"x":[1,{"y":null}]}`; string(captured) != want {
		t.Errorf("Capture = %s, want %s", captured, want)
	}
	if version != 7 {
		t.Errorf("version = %d, want 7", version)
	}

	buf[12] = 'X'
	if captured[1] != '"' {
		t.Errorf("Capture result changed with input buffer: %s", captured)
	}
}
