package types

import "time"

// InterceptionRecord is one journal line: a single continuation command sent
// for a paused request or response.
type InterceptionRecord struct {
	Timestamp            time.Time    `json:"timestamp"`
	TabID                string       `json:"tab_id,omitempty"`
	InterceptionID       string       `json:"interception_id"`
	NetworkID            string       `json:"network_id,omitempty"`
	Stage                string       `json:"stage"`
	URL                  string       `json:"url"`
	Method               string       `json:"method,omitempty"`
	Status               int          `json:"status,omitempty"`
	Command              string       `json:"command"`
	Modified             bool         `json:"modified"`
	CancellationAbsorbed bool         `json:"cancellation_absorbed,omitempty"`
	Error                string       `json:"error,omitempty"`
	DurationMS           int64        `json:"duration_ms"`
	Body                 *BodyPreview `json:"body,omitempty"`

	// RawBody is the overriding body as sent; the journal turns it into Body.
	RawBody []byte `json:"-"`
}

// BodyPreview is a possibly truncated copy of an overriding body.
type BodyPreview struct {
	Text         string `json:"text,omitempty"`
	Base64       string `json:"base64,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
	OriginalSize int    `json:"original_size"`
	SHA256       string `json:"sha256,omitempty"`
}
