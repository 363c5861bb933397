package models

// ErrorKind classifies why an upstream call failed.
type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorExhausted   ErrorKind = "exhausted"
	ErrorUpstream    ErrorKind = "error"
	ErrorTimeout     ErrorKind = "timeout"
)

// Outcome is what the caller observed after using a credential.
type Outcome struct {
	Success           bool      `json:"success"`
	Tokens            int64     `json:"tokens"`
	LatencyMs         int64     `json:"latency_ms"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	StatusCode        int       `json:"status_code,omitempty"`
	Model             string    `json:"model,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}
