// Package configloader loads agent configuration from YAML files on disk.
package configloader

import (
	"fmt"
	"os"
	"time"

	"github.com/gurre/deviceupdate-agent-go/state/config"
	"gopkg.in/yaml.v3"
)

// rawConfig mirrors the YAML structure of deviceupdateagent.yml.
type rawConfig struct {
	ProgramName           string    `yaml:"program_name"`
	RootDir               string    `yaml:"root_dir"`
	LogDir                string    `yaml:"log_dir"`
	OngoingUpdateTracking string    `yaml:"ongoing_update_tracking"`
	CredentialsConfigFile string    `yaml:"credentials_config_file"`
	ProxyURI              string    `yaml:"proxy_uri"`
	DeviceControlEndpoint string    `yaml:"device_control_endpoint"`
	S3EndpointOverride    string    `yaml:"s3_endpoint_override"`
	DeviceID              string    `yaml:"device_id"`
	Manufacturer          string    `yaml:"manufacturer"`
	Model                 string    `yaml:"model"`
	Retry                 *rawRetry `yaml:"retry"`
	WaitBetweenRuns       *int      `yaml:"wait_between_runs"`
	WaitAfterError        *int      `yaml:"wait_after_error"`
	HTTPReadTimeout       *int      `yaml:"http_read_timeout"`
	KillAgentMaxWaitTime  *int      `yaml:"kill_agent_max_wait_time_seconds"`
	SchedulerTickMS       *int      `yaml:"scheduler_tick_ms"`
	DeviceInfoIntervalMin *int      `yaml:"device_info_interval_minutes"`
	UseFIPSMode           *bool     `yaml:"use_fips_mode"`
	AllowUnsignedSpecs    *bool     `yaml:"allow_unsigned_specs"`
	EnableUpdateLog       *bool     `yaml:"enable_update_log"`
}

// rawRetry mirrors the retry block of deviceupdateagent.yml.
type rawRetry struct {
	MaxRetries          *int     `yaml:"max_retries"`
	MaxDelaySeconds     *int     `yaml:"max_delay_seconds"`
	InitialDelayMS      *int     `yaml:"initial_delay_ms"`
	FallbackWaitSeconds *int     `yaml:"fallback_wait_seconds"`
	MaxJitterPercent    *float64 `yaml:"max_jitter_percent"`
}

// rawCredentials mirrors the YAML structure of deviceupdate.credentials.yml.
type rawCredentials struct {
	Region             string `yaml:"region"`
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	SessionToken       string `yaml:"session_token"`
	CredentialsFile    string `yaml:"aws_credentials_file"`
}

// LoadAgent loads the agent config file, overlaying values onto defaults.
// Missing or empty fields retain their default values.
//
//	cfg, err := configloader.LoadAgent("/etc/deviceupdate-agent/conf/deviceupdateagent.yml")
func LoadAgent(path string) (config.Agent, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if file doesn't exist
		}
		return config.Agent{}, fmt.Errorf("configloader: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return config.Agent{}, fmt.Errorf("configloader: parse %s: %w", path, err)
	}

	if raw.ProgramName != "" {
		cfg.ProgramName = raw.ProgramName
	}
	if raw.RootDir != "" {
		cfg.RootDir = raw.RootDir
	}
	if raw.LogDir != "" {
		cfg.LogDir = raw.LogDir
	}
	if raw.OngoingUpdateTracking != "" {
		cfg.OngoingUpdateTracking = raw.OngoingUpdateTracking
	}
	if raw.CredentialsConfigFile != "" {
		cfg.CredentialsConfigFile = raw.CredentialsConfigFile
	}
	if raw.ProxyURI != "" {
		cfg.ProxyURI = raw.ProxyURI
	}
	if raw.DeviceControlEndpoint != "" {
		cfg.DeviceControlEndpoint = raw.DeviceControlEndpoint
	}
	if raw.S3EndpointOverride != "" {
		cfg.S3EndpointOverride = raw.S3EndpointOverride
	}
	if raw.DeviceID != "" {
		cfg.DeviceID = raw.DeviceID
	}
	if raw.Manufacturer != "" {
		cfg.Manufacturer = raw.Manufacturer
	}
	if raw.Model != "" {
		cfg.Model = raw.Model
	}
	if raw.Retry != nil {
		overlayRetry(&cfg.Retry, raw.Retry)
	}
	if raw.WaitBetweenRuns != nil {
		cfg.PollInterval = time.Duration(*raw.WaitBetweenRuns) * time.Second
	}
	if raw.WaitAfterError != nil {
		cfg.ErrorBackoff = time.Duration(*raw.WaitAfterError) * time.Second
	}
	if raw.HTTPReadTimeout != nil {
		cfg.HTTPReadTimeout = time.Duration(*raw.HTTPReadTimeout) * time.Second
	}
	if raw.KillAgentMaxWaitTime != nil {
		cfg.KillAgentMaxWait = time.Duration(*raw.KillAgentMaxWaitTime) * time.Second
	}
	if raw.SchedulerTickMS != nil {
		cfg.SchedulerTick = time.Duration(*raw.SchedulerTickMS) * time.Millisecond
	}
	if raw.DeviceInfoIntervalMin != nil {
		cfg.DeviceInfoInterval = time.Duration(*raw.DeviceInfoIntervalMin) * time.Minute
	}
	if raw.UseFIPSMode != nil {
		cfg.UseFIPSMode = *raw.UseFIPSMode
	}
	if raw.AllowUnsignedSpecs != nil {
		cfg.AllowUnsignedSpecs = *raw.AllowUnsignedSpecs
	}
	if raw.EnableUpdateLog != nil {
		cfg.EnableUpdateLog = *raw.EnableUpdateLog
	}

	return cfg, nil
}

func overlayRetry(dst *config.Retry, raw *rawRetry) {
	if raw.MaxRetries != nil {
		dst.MaxRetries = *raw.MaxRetries
	}
	if raw.MaxDelaySeconds != nil {
		dst.MaxDelay = time.Duration(*raw.MaxDelaySeconds) * time.Second
	}
	if raw.InitialDelayMS != nil {
		dst.InitialDelayUnit = time.Duration(*raw.InitialDelayMS) * time.Millisecond
	}
	if raw.FallbackWaitSeconds != nil {
		dst.FallbackWait = time.Duration(*raw.FallbackWaitSeconds) * time.Second
	}
	if raw.MaxJitterPercent != nil {
		dst.MaxJitterPercent = *raw.MaxJitterPercent
	}
}

// LoadCredentials loads device credentials from the given YAML file.
//
//	creds, err := configloader.LoadCredentials("/etc/deviceupdate-agent/conf/deviceupdate.credentials.yml")
func LoadCredentials(path string) (config.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Credentials{}, fmt.Errorf("configloader: %w", err)
	}

	var raw rawCredentials
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return config.Credentials{}, fmt.Errorf("configloader: parse %s: %w", path, err)
	}

	return config.Credentials{
		Region:             raw.Region,
		AWSAccessKeyID:     raw.AWSAccessKeyID,
		AWSSecretAccessKey: raw.AWSSecretAccessKey,
		SessionToken:       raw.SessionToken,
		CredentialsFile:    raw.CredentialsFile,
	}, nil
}
