// Package privacy implements the synchronous text sanitization gate
// (component C) every write path runs text through before it reaches
// storage: private-tag stripping, secret redaction, and length validation.
package privacy

import (
	"errors"
	"regexp"
	"strings"
)

// Sentinel errors returned by Sanitize on rejection.
var (
	ErrBlockedPrivate  = errors.New("privacy: content is entirely private")
	ErrContentTooLarge = errors.New("privacy: content exceeds maximum length")
	ErrContentEmpty    = errors.New("privacy: content is empty")
)

// MaxContentLength is the hard cap on sanitized input.
const MaxContentLength = 50000

const redactionMarker = "[REDACTED]"

var privateTagPattern = regexp.MustCompile(`(?is)<private>.*?</private>`)

// secretPatterns is the set of secret-shaped substrings redacted from
// otherwise persisted text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`gho_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._\-]{10,}`),
	regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
	regexp.MustCompile(`(?i)(api_key|secret|password|token)["']?\s*[:=]\s*["']?[A-Za-z0-9._\-]{20,}["']?`),
}

// Result is the outcome of a successful sanitize call.
type Result struct {
	Text     string
	Warnings []string
}

// Options selects which sanitization passes run. The zero value disables
// everything; use DefaultOptions.
type Options struct {
	StripPrivateTags bool
	RedactSecrets    bool
}

// DefaultOptions enables every pass.
func DefaultOptions() Options {
	return Options{StripPrivateTags: true, RedactSecrets: true}
}

// Sanitize runs SanitizeWith under DefaultOptions.
func Sanitize(text string) (Result, error) {
	return SanitizeWith(text, DefaultOptions())
}

// SanitizeWith strips <private>…</private> regions, redacts secret-shaped
// substrings, and enforces length bounds, honoring the runtime privacy
// toggles. It is idempotent: SanitizeWith(SanitizeWith(x).Text) yields the
// same text.
func SanitizeWith(text string, opts Options) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, ErrContentEmpty
	}
	if len(trimmed) > MaxContentLength {
		return Result{}, ErrContentTooLarge
	}

	stripped := trimmed
	hadPrivateTag := false
	if opts.StripPrivateTags {
		hadPrivateTag = privateTagPattern.MatchString(trimmed)
		stripped = strings.TrimSpace(privateTagPattern.ReplaceAllString(trimmed, ""))
	}

	if stripped == "" {
		if hadPrivateTag {
			return Result{}, ErrBlockedPrivate
		}
		return Result{}, ErrContentEmpty
	}

	var warnings []string
	if hadPrivateTag {
		warnings = append(warnings, "private-tagged content was removed from an otherwise public observation")
	}

	redacted := stripped
	if opts.RedactSecrets {
		for _, pat := range secretPatterns {
			if pat.MatchString(redacted) {
				redacted = pat.ReplaceAllString(redacted, redactionMarker)
			}
		}
	}

	return Result{Text: redacted, Warnings: warnings}, nil
}
