// Package report defines result codes and JSON payloads for the device state
// sections the agent reports to the Device Update control service.
package report

import (
	"time"

	json "github.com/goccy/go-json"
)

// ResultCode represents the outcome of an update stage.
type ResultCode int

const (
	Succeeded          ResultCode = 0
	SpecInvalid        ResultCode = 1
	SignatureRejected  ResultCode = 2
	DownloadFailed     ResultCode = 3
	DigestMismatch     ResultCode = 4
	UnknownError       ResultCode = 5
	UpdateCanceled     ResultCode = 6
	FailedAfterRestart ResultCode = 7
)

// UpdateResult holds the outcome of one update stage for the updateResult
// section.
type UpdateResult struct {
	UpdateID   string     `json:"update_id"`
	Stage      string     `json:"stage"`
	ResultCode ResultCode `json:"result_code"`
	Message    string     `json:"message"`
}

// BuildUpdateResult creates an UpdateResult and marshals it to JSON. This is
// the payload format for the updateResult delivery channel.
//
//	payload := report.BuildUpdateResult("u-123", "apply", report.Succeeded, "")
func BuildUpdateResult(updateID, stage string, code ResultCode, message string) string {
	r := UpdateResult{
		UpdateID:   updateID,
		Stage:      stage,
		ResultCode: code,
		Message:    message,
	}
	data, err := json.Marshal(r)
	if err != nil {
		// Fallback to minimal JSON on marshal failure (should not happen)
		return `{"update_id":"","stage":"","result_code":5,"message":"marshal error"}`
	}
	return string(data)
}

// BuildUpdateSucceeded creates a success result payload for a stage.
//
//	payload := report.BuildUpdateSucceeded("u-123", "download")
func BuildUpdateSucceeded(updateID, stage string) string {
	return BuildUpdateResult(updateID, stage, Succeeded, "Succeeded")
}

// BuildUpdateFailed creates a failure result payload from an error.
//
//	payload := report.BuildUpdateFailed("u-123", "download", report.DownloadFailed, err)
func BuildUpdateFailed(updateID, stage string, code ResultCode, err error) string {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return BuildUpdateResult(updateID, stage, code, msg)
}

// BuildFailedAfterRestart creates a result payload for an update that was
// in-progress when the agent restarted. The update is failed with code 7.
//
//	payload := report.BuildFailedAfterRestart("u-123", "apply")
func BuildFailedAfterRestart(updateID, stage string) string {
	return BuildUpdateResult(updateID, stage, FailedAfterRestart, "Failed: agent restarted during update")
}

// UpdateACK acknowledges a received update command on the updateAck channel.
type UpdateACK struct {
	UpdateID     string `json:"update_id"`
	Acknowledged bool   `json:"acknowledged"`
}

// BuildUpdateACK creates the acknowledgement payload for an update command.
func BuildUpdateACK(updateID string, accepted bool) string {
	data, err := json.Marshal(UpdateACK{UpdateID: updateID, Acknowledged: accepted})
	if err != nil {
		return `{"update_id":"","acknowledged":false}`
	}
	return string(data)
}

// DeviceInformation is the periodic deviceInformation section payload.
type DeviceInformation struct {
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	OSName           string `json:"os_name"`
	AgentVersion     string `json:"agent_version"`
	InstalledVersion string `json:"installed_version"`
	ReportTime       string `json:"report_time"`
}

// BuildDeviceInformation creates the deviceInformation payload. The report
// time is stamped in UTC RFC 3339 so the service can detect stale reports.
//
//	payload := report.BuildDeviceInformation(info, time.Now())
func BuildDeviceInformation(info DeviceInformation, now time.Time) string {
	info.ReportTime = now.UTC().Format(time.RFC3339)
	data, err := json.Marshal(info)
	if err != nil {
		return `{"manufacturer":"","model":"","os_name":"","agent_version":"","installed_version":"","report_time":""}`
	}
	return string(data)
}

// Diagnostics is the diagnostics section payload: a named log excerpt plus
// free-form properties.
type Diagnostics struct {
	Name       string            `json:"name"`
	Log        string            `json:"log"`
	Properties map[string]string `json:"properties,omitempty"`
}

// BuildDiagnostics creates a diagnostics payload.
func BuildDiagnostics(name, log string, properties map[string]string) string {
	data, err := json.Marshal(Diagnostics{Name: name, Log: log, Properties: properties})
	if err != nil {
		return `{"name":"","log":""}`
	}
	return string(data)
}
