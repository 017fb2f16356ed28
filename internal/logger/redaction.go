package logger

import (
	"io"
	"regexp"
)

// Redactor masks credentials in log output.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`),
			// Google access and refresh tokens
			regexp.MustCompile(`ya29\.[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`1//[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`(access|refresh)_token["\s:=]+"?[a-zA-Z0-9._~+/-]{8,}`),
			regexp.MustCompile(`GOOGLE_ACCESS_TOKEN=[^\s"]+`),
			regexp.MustCompile(`client_secret["\s:=]+"?[^\s"&]+`),
		},
	}
}

// Redact replaces every match with [REDACTED].
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
