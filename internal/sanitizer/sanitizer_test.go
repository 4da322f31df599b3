package sanitizer

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestSanitize(t *testing.T) {
	s := NewPlainTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain name", "Maria da Silva", "Maria da Silva"},
		{"accents kept", "João Conceição", "João Conceição"},
		{"ampersand survives", "Ana & Bruno", "Ana & Bruno"},
		{"bold tag", "<b>Carlos</b>", "Carlos"},
		{"script content dropped", "Lia<script>alert(1)</script>", "Lia"},
		{"style content dropped", "<style>body{}</style>Rui", "Rui"},
		{"event handler", `<img src=x onerror="alert(1)">Beto`, "Beto"},
		{"whitespace collapsed", "  Vereador \n\t Paulo  ", "Vereador Paulo"},
		{"control chars", "Ze\x07ca", "Ze ca"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Sanitized output never contains a tag opener and is stable under reapplication.
func TestSanitizeProperties(t *testing.T) {
	s := NewPlainTextSanitizer()

	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-zÀ-ú ]{1,20}`).Draw(t, "name")
		tag := rapid.SampledFrom([]string{"b", "i", "a", "div", "span", "script"}).Draw(t, "tag")
		input := "<" + tag + ">" + name + "</" + tag + ">"

		out := s.Sanitize(input)
		if strings.Contains(out, "<"+tag) {
			t.Fatalf("tag %q survived: %q", tag, out)
		}
		if again := s.Sanitize(out); again != out {
			t.Fatalf("not idempotent: %q -> %q", out, again)
		}
	})
}
