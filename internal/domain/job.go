package domain

import (
	"github.com/cespare/xxhash/v2"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// MaxActionLen matches the varchar(191) actions.action column.
	MaxActionLen = 191
	// MaxPayloadLen bounds the serialised argument tuple.
	MaxPayloadLen = 65000

	MinPriority = 1
	MaxPriority = 255

	// DedupeWindowSec is how far back InsertBatch looks for colliding
	// signatures among non-completed rows.
	DedupeWindowSec = 300
)

// Job is a row of the actions table: one persisted request to run a
// handler with one argument set at or after scheduled_at.
type Job struct {
	ID        int64
	Action    string
	Callback  string // callback key, see registry.KeyFor
	Payload   []byte
	Status    Status
	Priority  int
	Recurring string // decimal seconds or relative offset; "" = one-shot
	Signature int64

	ScheduledAt int64 // unix seconds
	CreatedAt   int64
	UpdatedAt   *int64 // nil until first transition
}

// JobLog is a row of the action_logs table. One row per completion or
// failure; removed by FK cascade when the job row goes away.
type JobLog struct {
	ID        int64
	ActionID  int64
	Status    Status
	Message   *string
	CreatedAt int64
}

// ClampPriority forces p into [MinPriority, MaxPriority]. Out-of-range
// values are clamped on write, never rejected.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Signature digests a job's identity (action ∥ callback ∥ payload) for
// deduplication. Stored as a signed 64-bit column, hence the cast.
func Signature(action, callback string, payload []byte) int64 {
	d := xxhash.New()
	_, _ = d.WriteString(action)
	_, _ = d.WriteString(callback)
	_, _ = d.Write(payload)
	return int64(d.Sum64())
}
