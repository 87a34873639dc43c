package logger

import (
	"io"
	"regexp"
)

// Redactor scrubs credentials from log lines before they reach a sink.
// The patterns target what actually flows through this process: model
// provider keys, VCS tokens carried in tool arguments, and the env
// blocks of remote server configs.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor builds a redactor with the default pattern set.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Model provider API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// GitHub tokens passed to git/gh tool calls
			regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
			regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),

			// Authorization headers
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Env-style assignments in server configs and exec output
			regexp.MustCompile(`[A-Z][A-Z0-9_]*(?:TOKEN|SECRET|API_KEY|PASSWORD)=[^\s"]+`),

			// Key-value credentials in structured fields
			regexp.MustCompile(`(?i)password["\s:=]+[^\s"]+`),
			regexp.MustCompile(`(?i)token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`(?i)secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern registers an extra redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every pattern match in s with a placeholder.
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap returns a writer that redacts each write before forwarding.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
