package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor masks credentials in log lines. Keys stay readable, values are
// replaced, so JSON lines remain parseable.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// Rocket.Chat headers and config keys, passwords, generic secrets
			{
				pattern:     regexp.MustCompile(`(?i)("?(?:x-auth-token|auth_?token|password|pwd|secret)"?\s*[:=]\s*"?)[^\s",}]+`),
				replacement: "${1}" + redacted,
			},
			// Bearer tokens
			{
				pattern:     regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
				replacement: "Bearer " + redacted,
			},
		},
	}
}

// AddPattern adds a custom pattern whose whole match is redacted
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re, replacement: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllString(result, rule.replacement)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even when redaction changed the length
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
