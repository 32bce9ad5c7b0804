// Package devicectl implements the Device Update control service client.
// This is a custom AWS JSON 1.1 protocol client with SigV4 signing.
package devicectl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	json "github.com/goccy/go-json"
)

const (
	targetPrefix = "DeviceUpdateControlService_v20250301"
	jsonVersion  = "1.1"
	serviceName  = "deviceupdate"
)

// doRequest makes a signed JSON 1.1 request to the Device Update control
// service. Non-200 responses come back as a *ServiceError.
func (c *Client) doRequest(ctx context.Context, operation string, input interface{}, output interface{}) error {
	resp, respBody, err := c.send(ctx, operation, input)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(operation, resp.StatusCode, respBody)
	}

	if output != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, output); err != nil {
			return fmt.Errorf("devicectl: unmarshal %s response: %w", operation, err)
		}
	}

	return nil
}

// doRequestStatus makes a signed JSON 1.1 request and hands back the raw HTTP
// status instead of classifying it. The error return covers only failures
// that produced no HTTP response at all (marshal, sign, connect, read); the
// caller's retry strategy owns the meaning of the status code.
func (c *Client) doRequestStatus(ctx context.Context, operation string, input interface{}) (int, error) {
	resp, _, err := c.send(ctx, operation, input)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func (c *Client) send(ctx context.Context, operation string, input interface{}) (*http.Response, []byte, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, nil, fmt.Errorf("devicectl: marshal %s: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("devicectl: create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-amz-json-"+jsonVersion)
	req.Header.Set("X-Amz-Target", targetPrefix+"."+operation)
	req.Header.Set("x-amz-deviceupdate-agent-version", c.version)

	creds, err := c.credentials.Retrieve(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("devicectl: retrieve credentials: %w", err)
	}

	signer := v4.NewSigner()
	payloadHash := hashPayload(body)
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, serviceName, c.region, time.Now()); err != nil {
		return nil, nil, fmt.Errorf("devicectl: sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("devicectl: %s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, nil, fmt.Errorf("devicectl: read response: %w", err)
	}

	return resp, respBody, nil
}

func parseErrorResponse(operation string, statusCode int, body []byte) error {
	var errResp struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Type != "" {
		return &ServiceError{
			Operation:  operation,
			StatusCode: statusCode,
			Type:       errResp.Type,
			Message:    errResp.Message,
		}
	}
	return &ServiceError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    string(body),
	}
}

// ServiceError represents an error from the Device Update control service.
type ServiceError struct {
	Operation  string
	Type       string
	Message    string
	StatusCode int
}

func (e *ServiceError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("devicectl: %s: %s: %s", e.Operation, e.Type, e.Message)
	}
	return fmt.Sprintf("devicectl: %s: HTTP %d: %s", e.Operation, e.StatusCode, e.Message)
}

// IsClientError returns true for 4xx errors (client's fault).
func (e *ServiceError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError returns true for 5xx errors (server's fault).
func (e *ServiceError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsThrottle returns true when the service signals rate limiting.
// Detects HTTP 429 status or "throttl"/"rateexceeded" in the error type or
// message. The Type field is checked because the service sends throttle
// errors as {"__type": "ThrottlingException", "message": "Rate exceeded"}
// which would be missed by message-only matching.
func (e *ServiceError) IsThrottle() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(e.Type + " " + e.Message)
	return strings.Contains(lower, "throttl") || strings.Contains(lower, "rateexceeded")
}

func hashPayload(payload []byte) string {
	return aws.ToString(aws.String(fmt.Sprintf("%x", sha256Sum(payload))))
}

func sha256Sum(data []byte) [32]byte {
	var result [32]byte
	h := newSHA256()
	h.Write(data)
	copy(result[:], h.Sum(nil))
	return result
}
