package messenger

import (
	"context"
	"fmt"
)

// Session is the opaque reference to a caller-owned cloud session on whose
// behalf messages are sent. The engine borrows it and never invalidates it.
// A nil session means no session exists yet; the default transport then
// fails synchronously and the scheduler fault-waits until one appears.
type Session struct {
	// DeviceID identifies the device to the control plane.
	DeviceID string
}

// ResponseHandler receives the HTTP-style status of a completed send.
type ResponseHandler func(httpStatus int)

// Transport begins one send and arranges the completion callback. Contract:
// return nil only when the message is in flight, in which case respond must
// be invoked exactly once, from any goroutine, at any later time. A non-nil
// error means the handoff failed before the message left the device; the
// scheduler fault-waits and reattempts without consuming a retry.
//
// The synchronous phase runs under the channel lock: capture pc.Message()
// fields before spawning, and never call back into the Messenger from it.
type Transport func(session *Session, pc *ProcessingContext, respond ResponseHandler) error

// StateReporter is the control-plane operation the default transport
// forwards to. adaptor/devicectl implements it; the status return carries
// the raw HTTP status of any response so the retry strategy, not the
// client, decides what it means.
type StateReporter interface {
	ReportDeviceState(ctx context.Context, deviceID, section string, payload []byte) (int, error)
}

// DefaultTransport builds the built-in transport: the message content is
// reported as the channel's device-state section via client, on a goroutine
// owned by the transport. Transport-level failures (the request never got an
// HTTP response) complete with status 0, which the default strategy's
// catch-all rule retries with backoff.
//
//	m.SetTransportAll(messenger.DefaultTransport(ctl))
func DefaultTransport(client StateReporter) Transport {
	return func(session *Session, pc *ProcessingContext, respond ResponseHandler) error {
		if client == nil {
			return fmt.Errorf("messenger: no state reporter configured")
		}
		if session == nil || session.DeviceID == "" {
			return fmt.Errorf("messenger: no cloud session")
		}

		// Captured under the channel lock; the message struct may be zeroed
		// before the goroutine runs.
		content := pc.Message().Content
		section := pc.Channel().Section()
		deviceID := session.DeviceID

		go func() {
			status, err := client.ReportDeviceState(context.Background(), deviceID, section, content)
			if err != nil {
				respond(0)
				return
			}
			respond(status)
		}()
		return nil
	}
}
