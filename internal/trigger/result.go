package trigger

import "time"

// Skip reasons.
const (
	SkipDisabled       = "disabled"
	SkipDuplicate      = "duplicate_event"
	SkipQueueFull      = "queue_full"
	SkipPolicyDenied   = "policy_denied"
	SkipPolicyDeferred = "policy_deferred"
	SkipCanceled       = "canceled"
)

// Result is the outcome of one Trigger call. A queued event reports
// Success with Queued set and no MemoryID.
type Result struct {
	EventID        string        `json:"event_id"`
	Success        bool          `json:"success"`
	MemoryID       string        `json:"memory_id,omitempty"`
	Err            string        `json:"error,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	Backend        string        `json:"backend,omitempty"`
	SkipReason     string        `json:"skip_reason,omitempty"`
	Queued         bool          `json:"queued,omitempty"`
	Decision       Decision      `json:"decision,omitempty"`
	PolicyReason   string        `json:"policy_reason,omitempty"`
}

// Skipped reports whether the event was not persisted or queued.
func (r Result) Skipped() bool { return r.SkipReason != "" }
