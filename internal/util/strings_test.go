package util

import (
	"testing"

	"github.com/charmbracelet/x/ansi"
)

func TestHead(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 5, "hello"},
		{"multibyte", "héllo wörld", 7, "héllo w"},
		{"no limit", "hello", 0, "hello"},
		{"empty", "", 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Head(tt.in, tt.n); got != tt.want {
				t.Errorf("Head(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestOneLine(t *testing.T) {
	if got := OneLine("  a\nb\t\tc  \n"); got != "a b c" {
		t.Errorf("OneLine() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 8, "hello..."},
		{"tiny width", "hello", 3, "..."},
		{"negative width", "hello", -1, "..."},
		{"wide runes", "日本語テキスト", 9, "日本語..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.width); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
			}
		})
	}
}

func TestTruncate_KeepsEscapes(t *testing.T) {
	styled := "\x1b[31mhello world\x1b[0m"
	got := Truncate(styled, 8)
	if ansi.StringWidth(got) != 8 {
		t.Errorf("width = %d, want 8 (%q)", ansi.StringWidth(got), got)
	}
	if ansi.Strip(got) != "hello..." {
		t.Errorf("visible text = %q", ansi.Strip(got))
	}
}
