package messenger

import "time"

// Status is the lifecycle state of a device-to-cloud message.
type Status int

const (
	// StatusPending means the message sits in the pending store, not yet
	// picked up by a DoWork pass.
	StatusPending Status = iota
	// StatusInProgress means the message is owned by a channel context and
	// will be (re)sent when its retry time arrives.
	StatusInProgress
	// StatusWaitingForResponse means the transport accepted the message and
	// the completion callback has not arrived yet. At most one message per
	// channel holds this status.
	StatusWaitingForResponse
	// StatusSuccess is terminal: the cloud accepted the message.
	StatusSuccess
	// StatusFailed is terminal: the message was classified non-retryable.
	StatusFailed
	// StatusReplaced is terminal: a newer submission superseded the message.
	StatusReplaced
	// StatusCanceled is terminal: the messenger shut down with the message
	// still in doubt.
	StatusCanceled
	// StatusMaxRetriesReached is terminal: the retry strategy exhausted its
	// ceiling for the message's response status.
	StatusMaxRetriesReached
)

// Terminal reports whether the status ends the message's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusReplaced, StatusCanceled, StatusMaxRetriesReached:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "InProgress"
	case StatusWaitingForResponse:
		return "WaitingForResponse"
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	case StatusReplaced:
		return "Replaced"
	case StatusCanceled:
		return "Canceled"
	case StatusMaxRetriesReached:
		return "MaxRetriesReached"
	}
	return "Unknown"
}

// ResponseCallback is consulted on every completion. Returning true requests
// a retry (subject to strategy evaluation); returning false marks the message
// done regardless of status. The callback may set a custom retry time through
// pc.SetNextRetryTime, in which case strategy evaluation is skipped and the
// scheduler resends at that time.
//
// Callbacks run under the channel lock and must not call back into the
// Messenger; doing so deadlocks.
type ResponseCallback func(httpStatus int, pc *ProcessingContext) bool

// CompletedCallback is invoked exactly once, when the message reaches a
// terminal status. The message's content is released right after it returns.
type CompletedCallback func(m *Message, status Status)

// StatusChangedCallback is invoked on every status transition, terminal or
// not. Same reentrancy rule as ResponseCallback.
type StatusChangedCallback func(m *Message, status Status)

// Callbacks bundles the optional per-message callbacks for SendAsync.
// Any or all may be nil.
type Callbacks struct {
	OnResponse      ResponseCallback
	OnCompleted     CompletedCallback
	OnStatusChanged StatusChangedCallback
}

// Message is one device-to-cloud message and its lifecycle bookkeeping.
// A nil Content marks an empty slot; finalization zeroes the whole struct
// after the completed callback has run.
type Message struct {
	// Content is the owned payload. Immutable once submitted.
	Content []byte
	// Session is the cloud session the message is sent on. May be nil until
	// a session exists; the default transport then fails synchronously and
	// the scheduler fault-waits.
	Session *Session
	// SubmitTime is when SendAsync accepted the message.
	SubmitTime time.Time
	// Status is the current lifecycle state.
	Status Status
	// LastHTTPStatus is the last completion status code, 0 before the first
	// response.
	LastHTTPStatus int
	// Attempts counts transport handoffs for this message. Never reset
	// while the message lives.
	Attempts int
	// UserData is an opaque caller value forwarded to callbacks. Ownership
	// stays with the caller.
	UserData any

	onResponse      ResponseCallback
	onCompleted     CompletedCallback
	onStatusChanged StatusChangedCallback
}
