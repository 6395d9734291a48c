package domain

import (
	"reflect"
	"testing"
)

func TestEncodeDescription(t *testing.T) {
	cases := []struct {
		name string
		text string
		urls []string
		want string
	}{
		{name: "empty", text: "", urls: nil, want: ""},
		{name: "text only", text: "  buy milk  ", urls: nil, want: "buy milk"},
		{name: "urls only", text: "", urls: []string{"https://cdn/a.png"}, want: "![img](https://cdn/a.png)"},
		{
			name: "text and urls",
			text: "notes\nsecond line",
			urls: []string{"https://cdn/a.png", "https://cdn/b.png"},
			want: "notes\nsecond line\n\n![img](https://cdn/a.png)\n![img](https://cdn/b.png)",
		},
		{name: "whitespace text dropped", text: "   \n  ", urls: []string{"u1"}, want: "![img](u1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EncodeDescription(tc.text, tc.urls); got != tc.want {
				t.Fatalf("EncodeDescription(%q, %v) = %q, want %q", tc.text, tc.urls, got, tc.want)
			}
		})
	}
}

func TestDecodeDescriptionRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		text string
		urls []string
	}{
		{name: "empty", text: "", urls: nil},
		{name: "plain text", text: "call the plumber", urls: nil},
		{name: "multiline text", text: "first\n\nthird", urls: nil},
		{name: "single url", text: "", urls: []string{"https://cdn/x/y.jpg"}},
		{name: "text with urls", text: "review the design", urls: []string{"u1", "u2", "u3"}},
		{name: "duplicate urls preserved", text: "twice", urls: []string{"same", "same"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DecodeDescription(EncodeDescription(tc.text, tc.urls))
			if got.Text != tc.text {
				t.Fatalf("round-trip text = %q, want %q", got.Text, tc.text)
			}
			if len(got.URLs) != len(tc.urls) {
				t.Fatalf("round-trip urls = %v, want %v", got.URLs, tc.urls)
			}
			for i := range tc.urls {
				if got.URLs[i] != tc.urls[i] {
					t.Fatalf("url %d = %q, want %q (order must be preserved)", i, got.URLs[i], tc.urls[i])
				}
			}
		})
	}
}

func TestDecodeDescriptionMalformed(t *testing.T) {
	cases := []struct {
		name   string
		stored string
		want   Description
	}{
		{name: "null-ish empty input", stored: "", want: Description{}},
		{
			name:   "unterminated sentinel stays text",
			stored: "![img](https://cdn/a.png",
			want:   Description{Text: "![img](https://cdn/a.png"},
		},
		{
			name:   "empty url stays text",
			stored: "![img]()",
			want:   Description{Text: "![img]()"},
		},
		{
			name:   "nested parens stay text",
			stored: "![img](a(b))",
			want:   Description{Text: "![img](a(b))"},
		},
		{
			name:   "indented sentinel still counts",
			stored: "  ![img](https://cdn/a.png)  ",
			want:   Description{URLs: []string{"https://cdn/a.png"}},
		},
		{
			name:   "mixed lines keep relative order",
			stored: "one\n![img](u1)\ntwo\n![img](u2)",
			want:   Description{Text: "one\ntwo", URLs: []string{"u1", "u2"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeDescription(tc.stored); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("DecodeDescription(%q) = %#v, want %#v", tc.stored, got, tc.want)
			}
		})
	}
}
