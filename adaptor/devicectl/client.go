package devicectl

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	json "github.com/goccy/go-json"
)

func newSHA256() hash.Hash {
	return sha256.New()
}

// UpdateCommand represents an update command received from PollDeviceUpdate.
type UpdateCommand struct {
	UpdateIdentifier string `json:"UpdateIdentifier"`
	DeviceIdentifier string `json:"DeviceIdentifier"`
	CommandName      string `json:"CommandName"`
	Nonce            int64  `json:"Nonce,omitempty"`
}

// UpdateSpecification holds the specification envelope returned by
// GetUpdateSpecification.
type UpdateSpecification struct {
	SpecificationEnvelope *Envelope `json:"SpecificationEnvelope"`
}

// Envelope holds the format and payload of a specification or diagnostic.
type Envelope struct {
	Format  string `json:"Format"`
	Payload string `json:"Payload"`
}

// Client communicates with the Device Update control service.
type Client struct {
	endpoint    string
	region      string
	version     string
	httpClient  *http.Client
	credentials aws.CredentialsProvider
	logger      *slog.Logger
}

// NewClient creates a Device Update control service client.
// Pass a non-nil transport to apply a custom round-tripper (e.g. proxy);
// nil uses Go's default transport. The client always uses an 80s timeout.
//
//	client := devicectl.NewClient(cfg.Credentials(), "us-east-1", "", nil, slog.Default())
//	cmd, err := client.PollDeviceUpdate(ctx, "device-0a1b2c")
func NewClient(creds aws.CredentialsProvider, region, endpointOverride string, transport http.RoundTripper, logger *slog.Logger) *Client {
	endpoint := endpointOverride
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://deviceupdate.%s.amazonaws.com", region)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   80 * time.Second,
		},
		credentials: creds,
		endpoint:    endpoint,
		region:      region,
		version:     resolveVersion(),
		logger:      logger,
	}
}

// resolveVersion reads the module version from Go build info.
// Falls back to "unknown" when build info is unavailable (e.g. go run).
func resolveVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "unknown"
	}
	return bi.Main.Version
}

// ReportDeviceState reports one section of the device state document. The
// payload must be a JSON document; it is forwarded verbatim. The int return
// is the raw HTTP status of the response, for the caller's retry strategy to
// classify; the error return covers only failures that produced no HTTP
// response at all.
//
//	status, err := client.ReportDeviceState(ctx, deviceID, "deviceInformation", payload)
func (c *Client) ReportDeviceState(ctx context.Context, deviceID, section string, payload []byte) (int, error) {
	input := struct {
		DeviceIdentifier string          `json:"DeviceIdentifier"`
		Section          string          `json:"Section"`
		State            json.RawMessage `json:"State"`
	}{
		DeviceIdentifier: deviceID,
		Section:          section,
		State:            json.RawMessage(payload),
	}

	return c.doRequestStatus(ctx, "ReportDeviceState", input)
}

// PollDeviceUpdate polls for the next update command.
// Returns nil UpdateCommand if no update is available.
//
//	cmd, err := client.PollDeviceUpdate(ctx, deviceID)
//	if cmd == nil { /* no work */ }
func (c *Client) PollDeviceUpdate(ctx context.Context, deviceID string) (*UpdateCommand, error) {
	input := struct {
		DeviceIdentifier string `json:"DeviceIdentifier"`
	}{DeviceIdentifier: deviceID}

	var output struct {
		UpdateCommand *UpdateCommand `json:"UpdateCommand"`
	}

	if err := c.doRequest(ctx, "PollDeviceUpdate", input, &output); err != nil {
		return nil, err
	}

	return output.UpdateCommand, nil
}

// AcknowledgeUpdate acknowledges receipt of an update command to the service.
// Returns the update status (may be "Canceled" if the update was withdrawn
// between poll and acknowledgement).
//
//	status, err := client.AcknowledgeUpdate(ctx, updateID, deviceID)
func (c *Client) AcknowledgeUpdate(ctx context.Context, updateIdentifier, deviceID string) (string, error) {
	input := struct {
		UpdateIdentifier string `json:"UpdateIdentifier"`
		DeviceIdentifier string `json:"DeviceIdentifier"`
	}{
		UpdateIdentifier: updateIdentifier,
		DeviceIdentifier: deviceID,
	}

	var output struct {
		UpdateStatus string `json:"UpdateStatus"`
	}

	if err := c.doRequest(ctx, "AcknowledgeUpdate", input, &output); err != nil {
		return "", err
	}

	return output.UpdateStatus, nil
}

// GetUpdateSpecification retrieves the signed update specification for a
// command.
//
//	spec, err := client.GetUpdateSpecification(ctx, updateID, deviceID)
func (c *Client) GetUpdateSpecification(ctx context.Context, updateIdentifier, deviceID string) (*UpdateSpecification, error) {
	input := struct {
		UpdateIdentifier string `json:"UpdateIdentifier"`
		DeviceIdentifier string `json:"DeviceIdentifier"`
	}{
		UpdateIdentifier: updateIdentifier,
		DeviceIdentifier: deviceID,
	}

	var output struct {
		UpdateSpecification *UpdateSpecification `json:"UpdateSpecification"`
	}

	if err := c.doRequest(ctx, "GetUpdateSpecification", input, &output); err != nil {
		return nil, err
	}

	return output.UpdateSpecification, nil
}
