package dispatch

// Response is the unified envelope every command returns, regardless of
// entry point (REPL statement, programmatic call, HTTP gateway).
type Response struct {
	Status  string         `json:"status"` // "ok" | "error"
	Action  string         `json:"action"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OK builds a success envelope.
func OK(action, message string, data any) *Response {
	return &Response{Status: "ok", Action: action, Message: message, Data: data}
}

// Errorf builds an error envelope without exception metadata.
func Errorf(action, message string) *Response {
	return &Response{Status: "error", Action: action, Message: message}
}

// WithMeta sets one meta key and returns the response for chaining.
func (r *Response) WithMeta(key string, value any) *Response {
	if r.Meta == nil {
		r.Meta = map[string]any{}
	}
	r.Meta[key] = value
	return r
}

// IsOK reports whether the envelope carries a success status.
func (r *Response) IsOK() bool { return r.Status == "ok" }
