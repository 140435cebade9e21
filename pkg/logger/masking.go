package logger

import (
	"bytes"
	"io"
	"regexp"
	"sync"
)

// secretKeyPattern matches values that follow recognized secret keywords in
// either JSON ("app_key":"...") or key=value form. The value is replaced,
// the keyword kept, so log lines stay greppable.
var secretKeyPattern = regexp.MustCompile(
	`(?i)("?(?:app_?key|app_?secret|access_?token|approval_?key|authorization|bot_?token|api_?secret|password)"?\s*[:=]\s*"?)((?:bearer\s+)?[^",\s}]+)`)

// MaskingWriter redacts secrets from every line written through it.
// Beyond the keyword patterns, explicit secret values can be registered at
// startup; any literal occurrence is replaced wherever it appears.
type MaskingWriter struct {
	out io.Writer

	mu      sync.RWMutex
	secrets [][]byte
}

// NewMaskingWriter wraps out with secret redaction.
func NewMaskingWriter(out io.Writer) *MaskingWriter {
	return &MaskingWriter{out: out}
}

const redacted = "***"

// RegisterSecret adds a literal value to redact. Empty and very short values
// are ignored to avoid mangling ordinary output.
func (w *MaskingWriter) RegisterSecret(value string) {
	if len(value) < 6 {
		return
	}
	w.mu.Lock()
	w.secrets = append(w.secrets, []byte(value))
	w.mu.Unlock()
}

// Write implements io.Writer. The reported length is that of the original
// input so zerolog does not treat redaction as a short write.
func (w *MaskingWriter) Write(p []byte) (int, error) {
	masked := secretKeyPattern.ReplaceAll(p, []byte("${1}"+redacted))

	w.mu.RLock()
	for _, s := range w.secrets {
		masked = bytes.ReplaceAll(masked, s, []byte(redacted))
	}
	w.mu.RUnlock()

	if _, err := w.out.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}
