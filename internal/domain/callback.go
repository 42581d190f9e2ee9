package domain

import "encoding/json"

// ClosureKey is the sentinel callback key for jobs whose handler is a
// named closure. The real handler name travels inside the payload.
const ClosureKey = "__CLOSURE__"

// ClosureBox is the payload envelope for ClosureKey jobs: the registered
// closure name plus the serialised argument tuple.
type ClosureBox struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FailureReport is the serialised message stored in action_logs when a
// handler throws: message, stack trace and failure time.
type FailureReport struct {
	Message  string `json:"message"`
	Trace    string `json:"trace,omitempty"`
	FailedAt int64  `json:"failed_at"`
}
