package storage

import (
	"encoding/base64"
	"log/slog"
	"unicode/utf8"

	"github.com/dgnsrekt/netintercept/internal/types"
)

// Journal writes interception records for one tab.
type Journal struct {
	w            *JSONLWriter
	previewBytes int
}

// NewJournal wraps w. Overriding bodies are kept up to previewBytes; zero
// keeps no body at all.
func NewJournal(w *JSONLWriter, previewBytes int) *Journal {
	return &Journal{w: w, previewBytes: previewBytes}
}

// Record queues rec. Errors are logged, never returned: journaling must not
// hold up a paused request.
func (j *Journal) Record(rec types.InterceptionRecord) {
	if j.previewBytes > 0 && len(rec.RawBody) > 0 {
		rec.Body = bodyPreview(rec.RawBody, j.previewBytes)
	}
	rec.RawBody = nil
	if err := j.w.Write(rec); err != nil {
		slog.Debug("journal record dropped",
			"interception_id", rec.InterceptionID,
			"error", err)
	}
}

// Close flushes the underlying writer.
func (j *Journal) Close() error {
	return j.w.Close()
}

func bodyPreview(body []byte, maxBytes int) *types.BodyPreview {
	out, truncated, size, sum := truncateBytes(body, maxBytes)
	p := &types.BodyPreview{
		Truncated:    truncated,
		OriginalSize: size,
		SHA256:       sum,
	}
	if utf8.Valid(out) {
		p.Text = string(out)
	} else {
		p.Base64 = base64.StdEncoding.EncodeToString(out)
	}
	return p
}
