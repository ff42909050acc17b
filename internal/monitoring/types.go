package monitoring

import "time"

// TelemetryConfig configures invocation event recording.
type TelemetryConfig struct {
	Enabled     bool
	LogPath     string
	LogToStdout bool
}

// InvocationEvent is one terminal request outcome, appended as a JSONL
// line and broadcast to live event subscribers.
type InvocationEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Event          string    `json:"event"` // "invocation"
	RequestID      string    `json:"request_id"`
	Outcome        string    `json:"outcome"` // "succeeded" | "failed"
	ErrorKind      string    `json:"error_kind,omitempty"`
	Attempts       int       `json:"attempts"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
}
