package pushgateway

// PushPayload is the body of a send request to the push gateway.
type PushPayload struct {
	EventID string            `json:"event_id"` // Gateway dedupes retries by this id
	UserID  string            `json:"user_id"`
	Tokens  []string          `json:"tokens"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"` // room_id, message_id
}

// PushResponse is what the gateway returns for a send request.
type PushResponse struct {
	Accepted      int      `json:"accepted"`
	InvalidTokens []string `json:"invalid_tokens,omitempty"`
}
