package privacy

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeStripsPrivateTags(t *testing.T) {
	res, err := Sanitize("public line\n<private>secret stuff</private>\nmore public")
	if err != nil {
		t.Fatalf("Sanitize failed: %v", err)
	}
	if strings.Contains(res.Text, "secret stuff") {
		t.Errorf("expected private region stripped, got %q", res.Text)
	}
	if len(res.Warnings) == 0 {
		t.Errorf("expected a warning for mixed private content")
	}
}

func TestSanitizeBlockedWhenAllPrivate(t *testing.T) {
	_, err := Sanitize("<private>everything here is secret</private>")
	if !errors.Is(err, ErrBlockedPrivate) {
		t.Fatalf("expected ErrBlockedPrivate, got %v", err)
	}
}

func TestSanitizeEmpty(t *testing.T) {
	_, err := Sanitize("   ")
	if !errors.Is(err, ErrContentEmpty) {
		t.Fatalf("expected ErrContentEmpty, got %v", err)
	}
}

func TestSanitizeTooLarge(t *testing.T) {
	_, err := Sanitize(strings.Repeat("a", MaxContentLength+1))
	if !errors.Is(err, ErrContentTooLarge) {
		t.Fatalf("expected ErrContentTooLarge, got %v", err)
	}
}

func TestSanitizeRedactsSecrets(t *testing.T) {
	cases := []string{
		"my key is sk-abcdefghijklmnopqrstuvwx",
		"token ghp_" + strings.Repeat("a", 36),
		"Authorization: Bearer abcdef1234567890",
		"ssn 123-45-6789",
		`api_key: "abcdefghijklmnopqrstuvwxyz1234"`,
	}
	for _, c := range cases {
		res, err := Sanitize(c)
		if err != nil {
			t.Fatalf("Sanitize(%q) failed: %v", c, err)
		}
		if !strings.Contains(res.Text, redactionMarker) {
			t.Errorf("Sanitize(%q) = %q, want redaction marker present", c, res.Text)
		}
	}
}

func TestSanitizeWithDisabledPasses(t *testing.T) {
	input := "keep <private>this</private> and sk-abcdefghijklmnopqrstuvwx"

	res, err := SanitizeWith(input, Options{StripPrivateTags: false, RedactSecrets: true})
	if err != nil {
		t.Fatalf("SanitizeWith failed: %v", err)
	}
	if !strings.Contains(res.Text, "<private>this</private>") {
		t.Errorf("expected private tag preserved when stripping disabled, got %q", res.Text)
	}

	res, err = SanitizeWith(input, Options{StripPrivateTags: true, RedactSecrets: false})
	if err != nil {
		t.Fatalf("SanitizeWith failed: %v", err)
	}
	if strings.Contains(res.Text, redactionMarker) {
		t.Errorf("expected no redaction when disabled, got %q", res.Text)
	}
	if strings.Contains(res.Text, "<private>") {
		t.Errorf("expected private tag still stripped, got %q", res.Text)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	input := "contact me at sk-abcdefghijklmnopqrstuvwx please\n<private>drop this</private>"
	first, err := Sanitize(input)
	if err != nil {
		t.Fatalf("first Sanitize failed: %v", err)
	}
	second, err := Sanitize(first.Text)
	if err != nil {
		t.Fatalf("second Sanitize failed: %v", err)
	}
	if first.Text != second.Text {
		t.Errorf("Sanitize not idempotent: %q != %q", first.Text, second.Text)
	}
}
