// Package messenger implements the device-to-cloud reliable message delivery
// engine: a per-channel, asynchronous pipeline that queues outbound state
// reports, drives their transmission through a pluggable transport, and
// applies a status-code-driven retry strategy with jittered backoff.
//
// The engine runs no goroutines of its own. Three external call sites drive
// it concurrently: arbitrary callers submitting through SendAsync, one
// polling loop invoking DoWork every 100-200ms, and transport-owned
// goroutines delivering completions at times the engine does not control.
// A single mutex guards the pending store; each channel context carries its
// own mutex. DoWork acquires store-then-channel in that fixed order, the
// completion path and Close acquire only the channel lock, so no lock cycle
// exists.
//
// Delivery semantics: at most one active attempt per channel, at least one
// eventual attempt until the retry ceiling, no ordering across channels, no
// persistence across restarts. A channel whose transport never completes a
// handoff stays in WaitingForResponse indefinitely — the engine enforces no
// response timeout, liveness is the transport's contract.
package messenger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gurre/deviceupdate-agent-go/logic/retrypolicy"
)

// Channel is a logical category of outbound message with independent retry
// and transport configuration. The set is closed; one processing context
// exists per channel for the life of the messenger.
type Channel int

const (
	// ChannelUpdateResult carries update installation results.
	ChannelUpdateResult Channel = iota
	// ChannelUpdateACK acknowledges received update commands.
	ChannelUpdateACK
	// ChannelDeviceInformation carries the periodic device-information report.
	ChannelDeviceInformation
	// ChannelDiagnostics carries diagnostics reports.
	ChannelDiagnostics
	// ChannelDiagnosticsACK acknowledges diagnostics requests.
	ChannelDiagnosticsACK

	channelCount
)

// Section returns the wire name of the device-state section the channel
// reports under.
func (c Channel) Section() string {
	switch c {
	case ChannelUpdateResult:
		return "updateResult"
	case ChannelUpdateACK:
		return "updateAck"
	case ChannelDeviceInformation:
		return "deviceInformation"
	case ChannelDiagnostics:
		return "diagnostics"
	case ChannelDiagnosticsACK:
		return "diagnosticsAck"
	}
	return "unknown"
}

func (c Channel) String() string { return c.Section() }

// faultWait is the fixed delay before reattempting a send whose transport
// handoff failed synchronously (no session yet, no transport assigned).
// Such failures do not consume a retry: the message never left the device.
const faultWait = 10 * time.Second

// ProcessingContext is the per-channel state: the active message, retry
// bookkeeping, and the assigned strategy and transport. Response callbacks
// receive it to inspect or override the retry schedule; its methods are only
// valid from within a callback (the channel lock is already held there).
type ProcessingContext struct {
	channel Channel

	mu            sync.Mutex
	msg           Message
	retries       int
	nextRetryTime time.Time
	strategy      *retrypolicy.Strategy
	transport     Transport
}

// Channel returns the channel this context processes.
func (pc *ProcessingContext) Channel() Channel { return pc.channel }

// Message returns the active message. Valid only from within a callback or
// a transport's synchronous phase.
func (pc *ProcessingContext) Message() *Message { return &pc.msg }

// Retries returns the retry count against the current strategy evaluation.
// Valid only from within a callback.
func (pc *ProcessingContext) Retries() int { return pc.retries }

// NextRetryTime returns the time before which no resend happens.
// Valid only from within a callback.
func (pc *ProcessingContext) NextRetryTime() time.Time { return pc.nextRetryTime }

// SetNextRetryTime installs a custom retry schedule. A response callback
// that calls this (and returns true) bypasses strategy evaluation for the
// current completion; the scheduler resends at t. Valid only from within a
// response callback.
func (pc *ProcessingContext) SetNextRetryTime(t time.Time) { pc.nextRetryTime = t }

// Messenger is the delivery engine. Construct with New, assign transports
// (and optionally per-channel strategies) before traffic begins, drive with
// DoWork, and Close on shutdown.
type Messenger struct {
	pendingMu sync.Mutex
	pending   [channelCount]Message
	contexts  [channelCount]*ProcessingContext

	logger *slog.Logger
	now    func() time.Time
}

// New creates a messenger with every channel on the default retry strategy
// and no transport. Channels without a transport fault-wait on every send
// attempt until SetTransport assigns one, so a late-wired channel loses no
// messages.
//
//	m := messenger.New(slog.Default())
//	m.SetTransportAll(messenger.DefaultTransport(client))
func New(logger *slog.Logger) *Messenger {
	m := &Messenger{
		logger: logger,
		now:    time.Now,
	}
	strategy := retrypolicy.Default()
	for i := range m.contexts {
		m.contexts[i] = &ProcessingContext{
			channel:  Channel(i),
			strategy: strategy,
		}
	}
	return m
}

// SetTransport assigns the transport for one channel.
func (m *Messenger) SetTransport(ch Channel, t Transport) {
	pc := m.contexts[ch]
	pc.mu.Lock()
	pc.transport = t
	pc.mu.Unlock()
}

// SetTransportAll assigns the same transport to every channel.
func (m *Messenger) SetTransportAll(t Transport) {
	for ch := Channel(0); ch < channelCount; ch++ {
		m.SetTransport(ch, t)
	}
}

// SetRetryStrategy assigns the retry strategy for one channel. The strategy
// is referenced, not copied, and must not be mutated afterwards.
func (m *Messenger) SetRetryStrategy(ch Channel, s *retrypolicy.Strategy) {
	pc := m.contexts[ch]
	pc.mu.Lock()
	pc.strategy = s
	pc.mu.Unlock()
}

// SetRetryStrategyAll assigns the same retry strategy to every channel.
func (m *Messenger) SetRetryStrategyAll(s *retrypolicy.Strategy) {
	for ch := Channel(0); ch < channelCount; ch++ {
		m.SetRetryStrategy(ch, s)
	}
}

// SendAsync submits a message for delivery on the given channel. The content
// is copied; the caller may reuse its buffer. If an earlier submission still
// sits unpromoted in the channel's pending slot, it finalizes as Replaced
// (its completed callback runs synchronously) before the new message takes
// the slot. A message already handed to the transport is never replaced
// here — both it and the new submission reach a terminal state in order.
//
// Fails only for empty content or an unknown channel.
func (m *Messenger) SendAsync(ch Channel, session *Session, content []byte, cb Callbacks, userData any) error {
	if len(content) == 0 {
		return fmt.Errorf("messenger: empty content for channel %s", ch)
	}
	if ch < 0 || ch >= channelCount {
		return fmt.Errorf("messenger: unknown channel %d", int(ch))
	}

	owned := make([]byte, len(content))
	copy(owned, content)

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	slot := &m.pending[ch]
	if slot.Content != nil {
		m.logger.Debug("replacing pending message", "channel", ch)
		m.finalize(slot, StatusReplaced)
	}

	*slot = Message{
		Content:         owned,
		Session:         session,
		SubmitTime:      m.now(),
		UserData:        userData,
		onResponse:      cb.OnResponse,
		onCompleted:     cb.OnCompleted,
		onStatusChanged: cb.OnStatusChanged,
	}
	m.setStatus(slot, StatusPending)
	return nil
}

// DoWork runs one scheduling pass over every channel: promote a pending
// message, (re)send the active one when its retry time has arrived, or do
// nothing. The caller drives it on a fixed cadence (100-200ms keeps reports
// timely); there is no internal timer.
func (m *Messenger) DoWork() {
	for _, pc := range m.contexts {
		m.processChannel(pc)
	}
}

// processChannel is one channel's scheduling decision, taken in a single
// critical section spanning the pending store and the channel context.
func (m *Messenger) processChannel(pc *ProcessingContext) {
	now := m.now()

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	pc.mu.Lock()
	defer pc.mu.Unlock()

	shouldSend := false
	slot := &m.pending[pc.channel]

	if slot.Content != nil {
		if pc.msg.Content != nil {
			if pc.msg.Status == StatusWaitingForResponse {
				// A response is due for the active message; promoting now
				// would discard an attempt already on the wire. Wait.
				return
			}
			m.logger.Info("newer message supersedes active one", "channel", pc.channel)
			m.finalize(&pc.msg, StatusReplaced)
		}

		pc.msg = *slot
		pc.msg.Attempts = 0
		pc.retries = 0
		pc.nextRetryTime = now
		*slot = Message{}
		shouldSend = pc.msg.Content != nil
		m.setStatus(&pc.msg, StatusInProgress)
	} else if pc.msg.Content != nil && pc.msg.Status == StatusInProgress && !now.Before(pc.nextRetryTime) {
		shouldSend = true
	}

	if !shouldSend {
		return
	}

	if pc.transport == nil {
		pc.nextRetryTime = pc.nextRetryTime.Add(faultWait)
		m.logger.Error("cannot send message, no transport assigned",
			"channel", pc.channel, "retryIn", faultWait)
		return
	}

	pc.msg.Attempts++
	m.logger.Debug("sending message",
		"channel", pc.channel, "attempts", pc.msg.Attempts, "retries", pc.retries)

	if err := pc.transport(pc.msg.Session, pc, func(status int) { m.handleResponse(pc, status) }); err != nil {
		// Handoff failed before the message left the device: not a retry,
		// just a fault wait. Status stays InProgress for a later pass.
		pc.nextRetryTime = pc.nextRetryTime.Add(faultWait)
		m.logger.Error("transport handoff failed",
			"channel", pc.channel, "error", err, "retryIn", faultWait)
		return
	}

	m.setStatus(&pc.msg, StatusWaitingForResponse)
}

// handleResponse is the completion handler. The transport invokes it (via
// the respond closure) exactly once per successful handoff, from any
// goroutine, at any later time.
func (m *Messenger) handleResponse(pc *ProcessingContext, status int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.msg.LastHTTPStatus = status

	// The channel may have been torn down while the send was in flight
	// (Close, or a dropped message). A late completion is a no-op.
	if pc.msg.Content == nil {
		m.logger.Debug("completion for released message, ignoring", "channel", pc.channel)
		return
	}

	// Snapshot before the response callback runs so a callback that moves
	// the retry time is detected as a custom schedule request.
	prevRetryTime := pc.nextRetryTime

	// Done when the caller's callback declines a retry, or on any 2xx.
	success := (pc.msg.onResponse != nil && !pc.msg.onResponse(status, pc)) ||
		(status >= 200 && status < 300)
	if success {
		m.logger.Debug("message delivered",
			"channel", pc.channel, "status", status, "attempts", pc.msg.Attempts)
		m.finalize(&pc.msg, StatusSuccess)
		return
	}

	if !pc.nextRetryTime.Equal(prevRetryTime) {
		// The response callback installed its own retry schedule; the
		// scheduler resends at that time without consulting the strategy.
		m.setStatus(&pc.msg, StatusInProgress)
		return
	}

	strategy := pc.strategy
	if pc.retries >= strategy.MaxRetries {
		m.logger.Warn("channel retry ceiling reached",
			"channel", pc.channel, "retries", pc.retries)
		m.finalize(&pc.msg, StatusMaxRetriesReached)
		return
	}

	for i, rule := range strategy.Rules {
		if !rule.Matches(status) {
			continue
		}
		if pc.retries >= rule.MaxRetry {
			m.logger.Warn("rule retry ceiling reached",
				"channel", pc.channel, "httpStatus", status, "retries", pc.retries)
			m.finalize(&pc.msg, StatusMaxRetriesReached)
			return
		}
		if rule.Calc == nil {
			// No-op rule: this status is handled elsewhere. Keep scanning;
			// with no later match the fallback below still makes progress.
			m.logger.Debug("rule has no calculator, skipping", "channel", pc.channel, "rule", i)
			continue
		}

		pc.retries++
		pc.nextRetryTime = rule.Calc(
			rule.AdditionalDelay, pc.retries,
			strategy.InitialDelayUnit, strategy.MaxDelay, strategy.MaxJitterPercent)
		m.logger.Debug("retry scheduled",
			"channel", pc.channel, "httpStatus", status,
			"retries", pc.retries, "at", pc.nextRetryTime)
		m.setStatus(&pc.msg, StatusInProgress)
		return
	}

	// No rule produced a timestamp. The fallback wait guarantees forward
	// progress even for a misconfigured strategy.
	pc.nextRetryTime = pc.nextRetryTime.Add(strategy.FallbackWait)
	m.logger.Warn("no retry rule matched, using fallback wait",
		"channel", pc.channel, "httpStatus", status, "wait", strategy.FallbackWait)
	m.setStatus(&pc.msg, StatusInProgress)
}

// Close cancels every pending and active message, invoking their completed
// callbacks synchronously with StatusCanceled. Safe to call while sends are
// outstanding: a completion arriving afterwards finds the message content
// released and becomes a no-op. Idempotent.
func (m *Messenger) Close() {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	for i, pc := range m.contexts {
		pc.mu.Lock()
		m.finalize(&m.pending[i], StatusCanceled)
		m.finalize(&pc.msg, StatusCanceled)
		pc.mu.Unlock()
	}
}

// setStatus transitions the message status and fires the status-changed
// callback. Caller holds the lock covering msg.
func (m *Messenger) setStatus(msg *Message, status Status) {
	msg.Status = status
	if msg.onStatusChanged != nil {
		msg.onStatusChanged(msg, status)
	}
}

// finalize moves msg to a terminal status, fires callbacks, and releases the
// content. No-op for an empty slot. Caller holds the lock covering msg.
func (m *Messenger) finalize(msg *Message, status Status) {
	if msg.Content == nil {
		return
	}
	m.setStatus(msg, status)
	if msg.onCompleted != nil {
		msg.onCompleted(msg, status)
	}
	*msg = Message{}
}
