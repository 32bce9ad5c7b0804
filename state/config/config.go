// Package config defines the agent's configuration structs and their defaults.
// These are pure data types with no I/O; loading is handled by adaptor/configloader.
package config

import "time"

// Retry holds the delivery engine's retry tuning knobs. Zero values mean
// "use the built-in strategy default" for that knob.
type Retry struct {
	// MaxRetries is the per-channel retry ceiling.
	MaxRetries int
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration
	// InitialDelayUnit is the exponential backoff base unit.
	InitialDelayUnit time.Duration
	// FallbackWait is the resend delay when no retry rule matches.
	FallbackWait time.Duration
	// MaxJitterPercent is the upper bound of the random delay inflation.
	MaxJitterPercent float64
}

// Agent holds the main agent configuration loaded from deviceupdateagent.yml.
// Fields are aligned from largest to smallest for memory efficiency.
type Agent struct {
	// ProgramName is the agent program identifier.
	ProgramName string
	// RootDir is the base directory for update artifacts and tracking files.
	RootDir string
	// LogDir is the directory for log files.
	LogDir string
	// OngoingUpdateTracking is the subdirectory name for tracking files.
	OngoingUpdateTracking string
	// CredentialsConfigFile is the path to the device credentials config.
	CredentialsConfigFile string
	// ProxyURI is the HTTP proxy URI, if any.
	ProxyURI string
	// DeviceControlEndpoint overrides the Device Update control endpoint.
	DeviceControlEndpoint string
	// S3EndpointOverride overrides the S3 endpoint.
	S3EndpointOverride string
	// DeviceID identifies this device to the control plane.
	DeviceID string
	// Manufacturer is reported in the deviceInformation section.
	Manufacturer string
	// Model is reported in the deviceInformation section.
	Model string

	// Retry tunes the delivery engine's retry strategy.
	Retry Retry

	// KillAgentMaxWait is the graceful shutdown timeout.
	KillAgentMaxWait time.Duration
	// PollInterval is the delay between update polling cycles.
	PollInterval time.Duration
	// ErrorBackoff is the delay after a polling error.
	ErrorBackoff time.Duration
	// HTTPReadTimeout is the HTTP read timeout for API calls.
	HTTPReadTimeout time.Duration
	// SchedulerTick is the delivery engine's DoWork cadence.
	SchedulerTick time.Duration
	// DeviceInfoInterval is the period between deviceInformation reports.
	DeviceInfoInterval time.Duration

	// UseFIPSMode enables FIPS-compliant endpoints.
	UseFIPSMode bool
	// AllowUnsignedSpecs accepts TEXT/JSON update specifications. Local
	// testing only; never set in production.
	AllowUnsignedSpecs bool
	// EnableUpdateLog enables the per-update log file.
	EnableUpdateLog bool
}

// Default returns an Agent config with the agent's stock defaults.
//
//	cfg := config.Default()
//	cfg.RootDir = "/var/lib/deviceupdate-agent"
func Default() Agent {
	return Agent{
		ProgramName:           "deviceupdate-agent",
		RootDir:               "/var/lib/deviceupdate-agent",
		LogDir:                "/var/log/deviceupdate-agent",
		OngoingUpdateTracking: "ongoing-update",
		CredentialsConfigFile: "/etc/deviceupdate-agent/conf/deviceupdate.credentials.yml",
		KillAgentMaxWait:      7200 * time.Second,
		PollInterval:          30 * time.Second,
		ErrorBackoff:          30 * time.Second,
		HTTPReadTimeout:       80 * time.Second,
		SchedulerTick:         100 * time.Millisecond,
		DeviceInfoInterval:    time.Hour,
		EnableUpdateLog:       true,
	}
}

// Credentials holds the device's IAM credentials and region, provisioned at
// manufacturing or enrollment time.
// Fields aligned from largest to smallest.
type Credentials struct {
	// Region is the AWS region.
	Region string
	// AWSAccessKeyID is the IAM access key.
	AWSAccessKeyID string
	// AWSSecretAccessKey is the IAM secret key.
	AWSSecretAccessKey string
	// SessionToken is set when the device uses session-based credentials.
	SessionToken string
	// CredentialsFile is the path to a rotating credentials file.
	CredentialsFile string
}

// FIPSEnabledRegions returns the set of regions where FIPS mode is valid.
func FIPSEnabledRegions() map[string]bool {
	return map[string]bool{
		"us-east-1":     true,
		"us-east-2":     true,
		"us-west-1":     true,
		"us-west-2":     true,
		"us-gov-west-1": true,
		"us-gov-east-1": true,
	}
}
