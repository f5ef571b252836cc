package wire

// Execute API request/response bodies for POST /v1/execute. Point-to-point
// JSON over HTTP; never broadcast on the session transport.

type ExecuteRequest struct {
	Language   string `json:"language"`
	SourceCode string `json:"source_code"`
	Stdin      string `json:"stdin,omitempty"`
	TimeoutMs  int64  `json:"timeout_ms,omitempty"`
}

type ExecuteResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitStatus string `json:"exit_status"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
}

type ErrorResponse struct {
	Error Error `json:"error"`
}

type LanguagesResponse struct {
	Languages []string `json:"languages"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}
