package ext2

import (
	"strings"
	"testing"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
)

func TestValidateNameRejectsMalformedNames(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"tooLong", strings.Repeat("a", maxNameLen+1)},
		{"containsNUL", "bad\x00name"},
		{"containsSlash", "a/b"},
		{"invalidUTF8", "bad\xffname"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := validateName(c.in); err != abi.ErrInvalidArgument {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestValidateNameNormalizesToNFC(t *testing.T) {
	// "e" (U+0065) followed by a combining acute accent (U+0301, NFD)
	// should normalize to the single precomposed codepoint U+00E9 (NFC).
	decomposed := "éclair"
	precomposed := "éclair"
	got, err := validateName(decomposed)
	if err != nil {
		t.Fatalf("validateName: %v", err)
	}
	if got != precomposed {
		t.Fatalf("expected NFC-normalized %q, got %q", precomposed, got)
	}
}

func TestValidateNamePassesOrdinaryNames(t *testing.T) {
	for _, name := range []string{"a", "hello.txt", ".", ".."} {
		got, err := validateName(name)
		if err != nil {
			t.Fatalf("validateName(%q): %v", name, err)
		}
		if got != name {
			t.Fatalf("expected %q unchanged, got %q", name, got)
		}
	}
}
