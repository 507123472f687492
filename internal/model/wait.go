package model

import "time"

// WaitState is the state of a suspended pipeline step
type WaitState string

const (
	WaitStateWaiting   WaitState = "WAITING"
	WaitStateSucceeded WaitState = "SUCCEEDED"
	WaitStateFailed    WaitState = "FAILED"
	WaitStateCancelled WaitState = "CANCELLED"
)

// Signal reasons carried by a failed wait
const (
	SignalReasonPredecessorFailed  = "PredecessorFailed"
	SignalReasonPredecessorTimeout = "PredecessorTimeout"
)

// SignalPayload is attached to a wait when it is resumed or failed
type SignalPayload struct {
	From    CommandKey `json:"from"`
	Reason  string     `json:"reason,omitempty"`
	Message string     `json:"message,omitempty"`
}

// WaitRecord is the durable half of a suspension: the owner step halts and is
// continued by whoever completes the token.
type WaitRecord struct {
	Token       string        `json:"token"`
	Owner       CommandKey    `json:"owner"`
	State       WaitState     `json:"state"`
	Payload     SignalPayload `json:"payload"`
	CreatedAt   time.Time     `json:"createdAt"`
	Deadline    time.Time     `json:"deadline"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
}

// IsOpen reports whether the wait can still be completed
func (w *WaitRecord) IsOpen() bool {
	return w.State == WaitStateWaiting
}
