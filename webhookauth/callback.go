package webhookauth

import "encoding/json"

// FalCallback is the body fal posts to a queue webhook.
type FalCallback struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	Error            string          `json:"error"`
}

func (c FalCallback) Succeeded() bool {
	return c.Status == "OK"
}

// VideoURL extracts payload.video.url.
func (c FalCallback) VideoURL() string {
	var p struct {
		Video struct {
			URL string `json:"url"`
		} `json:"video"`
	}
	if len(c.Payload) == 0 || json.Unmarshal(c.Payload, &p) != nil {
		return ""
	}
	return p.Video.URL
}

// Metadata is the decoded payload, or nil when it is not an object.
func (c FalCallback) Metadata() map[string]any {
	var m map[string]any
	if len(c.Payload) == 0 || json.Unmarshal(c.Payload, &m) != nil {
		return nil
	}
	return m
}

// FailureMessage prefers the top-level error, then payload.detail.
func (c FalCallback) FailureMessage() string {
	if c.Error != "" {
		return c.Error
	}
	var p struct {
		Detail any `json:"detail"`
	}
	if len(c.Payload) > 0 && json.Unmarshal(c.Payload, &p) == nil && p.Detail != nil {
		if s, ok := p.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(p.Detail); err == nil {
			return string(b)
		}
	}
	return "provider reported an error"
}
