package log

import (
	"io"
	"regexp"
)

// redaction patterns applied to every emitted log line when redaction is on.
var redactions = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)api[_-]?key["']?\s*[=:]\s*[^\s"',]+`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`(?i)authorization["']?\s*[=:]\s*bearer\s+[^\s"',]+`), "[REDACTED_AUTH]"},
	{regexp.MustCompile(`(?i)token["']?\s*[=:]\s*[^\s"',]+`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)password["']?\s*[=:]\s*[^\s"',]+`), "[REDACTED_PASSWORD]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[REDACTED_IP]"},
}

// Redact strips secret-looking substrings and IPv4 addresses from s.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return s
}

// RedactingWriter filters every write through Redact. Zerolog emits one
// complete line per Write call, so line-at-a-time filtering is safe here.
type RedactingWriter struct {
	out io.Writer
}

// NewRedactingWriter wraps out with redaction.
func NewRedactingWriter(out io.Writer) *RedactingWriter {
	return &RedactingWriter{out: out}
}

// Write implements io.Writer. The reported length is the input length so
// zerolog does not treat the shortened output as a partial write.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	if _, err := w.out.Write([]byte(Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
