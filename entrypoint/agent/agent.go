// Package agent wires configuration, adaptors, and orchestration together
// to run the Device Update agent daemon.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	json "github.com/goccy/go-json"

	"github.com/gurre/deviceupdate-agent-go/adaptor/configloader"
	"github.com/gurre/deviceupdate-agent-go/adaptor/devicectl"
	"github.com/gurre/deviceupdate-agent-go/adaptor/logfile"
	"github.com/gurre/deviceupdate-agent-go/adaptor/pkcs7"
	"github.com/gurre/deviceupdate-agent-go/adaptor/s3download"
	"github.com/gurre/deviceupdate-agent-go/logic/report"
	"github.com/gurre/deviceupdate-agent-go/logic/retrypolicy"
	"github.com/gurre/deviceupdate-agent-go/logic/updatespec"
	"github.com/gurre/deviceupdate-agent-go/orchestration/messenger"
	"github.com/gurre/deviceupdate-agent-go/orchestration/tracker"
	"github.com/gurre/deviceupdate-agent-go/orchestration/updater"
	"github.com/gurre/deviceupdate-agent-go/state/config"
)

// diagnosticsTailBytes is how much of the previous run's log is embedded in
// the startup diagnostics report.
const diagnosticsTailBytes = 16 * 1024

// Run starts the Device Update agent with the given config file path.
// It blocks until SIGTERM/SIGINT is received or the context is cancelled.
//
//	err := agent.Run(ctx, "/etc/deviceupdate-agent/conf/deviceupdateagent.yml")
func Run(ctx context.Context, configPath string) error {
	// Load config
	cfg, err := configloader.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("agent: load config: %w", err)
	}

	// Set up log rotation: write to both stderr (journald) and rotating file
	logWriter := logfile.NewRotatingWriter(cfg.LogDir, cfg.ProgramName+".log", 64*1024*1024, 8)
	if err := logWriter.Open(); err != nil {
		return fmt.Errorf("agent: open log file: %w", err)
	}
	defer func() { _ = logWriter.Close() }()

	// Capture the tail of the previous run's log before this run writes over
	// it; it goes out as a startup diagnostics report once a session exists.
	previousTail, _ := logWriter.Tail(diagnosticsTailBytes)

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logWriter), nil))
	slog.SetDefault(logger)

	// Signal handling
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Build proxy-aware transport when ProxyURI is configured.
	// Each adaptor wraps this transport in its own *http.Client with
	// adaptor-specific timeouts, so we only share the transport layer.
	var proxyTransport http.RoundTripper
	if cfg.ProxyURI != "" {
		proxyURL, parseErr := url.Parse(cfg.ProxyURI)
		if parseErr != nil {
			return fmt.Errorf("agent: parse proxy URI: %w", parseErr)
		}
		proxyTransport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		logger.Info("proxy configured", "uri", cfg.ProxyURI)
	}

	// Resolve the device identity and provisioned credentials
	identity, err := resolveIdentity(cfg)
	if err != nil {
		return fmt.Errorf("agent: resolve identity: %w", err)
	}

	if cfg.UseFIPSMode && !config.FIPSEnabledRegions()[identity.Region] {
		return fmt.Errorf("agent: FIPS mode enabled but region %s has no FIPS endpoints", identity.Region)
	}

	logger.Info("agent starting",
		"region", identity.Region,
		"deviceId", identity.DeviceID,
		"rootDir", cfg.RootDir)

	// Build AWS config from the provisioned device credentials
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(identity.Region),
	}
	if proxyTransport != nil {
		awsOpts = append(awsOpts, awsconfig.WithHTTPClient(&http.Client{
			Transport: proxyTransport,
			Timeout:   cfg.HTTPReadTimeout,
		}))
	}
	if identity.StaticAccessKey != "" && identity.StaticSecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(identity.StaticAccessKey, identity.StaticSecretKey, identity.SessionToken),
		))
	}
	if identity.CredentialsFile != "" {
		awsOpts = append(awsOpts, awsconfig.WithSharedCredentialsFiles([]string{identity.CredentialsFile}))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("agent: load AWS config: %w", err)
	}

	// Build PKCS7 verifier for signed update specifications
	verifier, err := pkcs7.NewVerifier()
	if err != nil {
		return fmt.Errorf("agent: create PKCS7 verifier: %w", err)
	}

	// Build adaptors — each receives the shared proxy transport and applies
	// its own timeout internally, except s3download which needs *http.Client
	// for the AWS SDK.
	ctl := devicectl.NewClient(
		awsCfg.Credentials,
		identity.Region,
		cfg.DeviceControlEndpoint,
		proxyTransport,
		logger,
	)

	var s3ProxyClient *http.Client
	if proxyTransport != nil {
		s3ProxyClient = &http.Client{
			Transport: proxyTransport,
			Timeout:   cfg.HTTPReadTimeout,
		}
	}
	s3dl := s3download.NewDownloader(
		awsCfg,
		identity.Region,
		cfg.S3EndpointOverride,
		cfg.UseFIPSMode,
		s3ProxyClient,
		logger,
	)

	// Build the delivery engine. All channels report through the control
	// service's ReportDeviceState; the retry strategy carries the configured
	// channel-wide limits over the stock rule table.
	m := messenger.New(logger)
	m.SetTransportAll(messenger.DefaultTransport(ctl))
	m.SetRetryStrategyAll(retrypolicy.FromParams(retrypolicy.Params{
		MaxRetries:       cfg.Retry.MaxRetries,
		MaxDelay:         cfg.Retry.MaxDelay,
		InitialDelayUnit: cfg.Retry.InitialDelayUnit,
		FallbackWait:     cfg.Retry.FallbackWait,
		MaxJitterPercent: cfg.Retry.MaxJitterPercent,
	}))
	defer m.Close()

	session := &messenger.Session{DeviceID: identity.DeviceID}

	// Build orchestration components
	ft := tracker.NewFileTracker(cfg.RootDir, cfg.OngoingUpdateTracking, logger)

	workDir := filepath.Join(cfg.RootDir, "work")
	stageDir := filepath.Join(cfg.RootDir, "staged")
	for _, dir := range []string{workDir, stageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("agent: create %s: %w", dir, err)
		}
	}

	// Wire adaptor implementations to orchestration interfaces
	svcBridge := &updateServiceBridge{client: ctl}
	repBridge := &reporterBridge{m: m, session: session, logger: logger}
	parserBridge := &specParserBridge{verifier: verifier, allowUnsigned: cfg.AllowUnsignedSpecs}
	fetchBridge := &artifactFetcherBridge{dl: s3dl}

	inst := &stagedInstaller{stageDir: stageDir, logger: logger}
	if cfg.EnableUpdateLog {
		inst.updateLog = filepath.Join(cfg.LogDir, "updates.log")
	}

	u := updater.NewUpdater(
		svcBridge, repBridge, parserBridge, fetchBridge, inst, ft,
		identity.DeviceID, workDir,
		cfg.PollInterval, cfg.ErrorBackoff,
		logger,
	)

	// Crash recovery: fail any in-progress update from before restart
	u.RecoverFromCrash()

	// Startup diagnostics: the previous run's log tail, so a crash loop is
	// visible from the cloud side without shell access to the device.
	if len(previousTail) > 0 {
		payload := report.BuildDiagnostics("agent-log", string(previousTail),
			map[string]string{"event": "startup"})
		if err := m.SendAsync(messenger.ChannelDiagnostics, session, []byte(payload), messenger.Callbacks{}, nil); err != nil {
			logger.Error("failed to submit startup diagnostics", "error", err)
		}
	}

	// Scheduler: drive the delivery engine on a fixed cadence.
	go func() {
		ticker := time.NewTicker(cfg.SchedulerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.DoWork()
			}
		}
	}()

	// Periodic deviceInformation report, first one at startup.
	go func() {
		ticker := time.NewTicker(cfg.DeviceInfoInterval)
		defer ticker.Stop()
		for {
			info := report.DeviceInformation{
				Manufacturer:     cfg.Manufacturer,
				Model:            cfg.Model,
				OSName:           runtime.GOOS,
				AgentVersion:     agentVersion(),
				InstalledVersion: installedVersion(stageDir),
			}
			payload := report.BuildDeviceInformation(info, time.Now())
			if err := m.SendAsync(messenger.ChannelDeviceInformation, session, []byte(payload), messenger.Callbacks{}, nil); err != nil {
				logger.Error("failed to submit device information", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// Run the update loop. On shutdown, wait up to KillAgentMaxWait for an
	// in-flight update to wind down before tearing down the delivery engine.
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		return err
	case <-time.After(cfg.KillAgentMaxWait):
		logger.Warn("shutdown wait elapsed with update still in progress",
			"waited", cfg.KillAgentMaxWait)
		return nil
	}
}

// deviceIdentity holds the resolved identity and credential information for
// the agent. Devices are provisioned with a credentials file at manufacturing
// or enrollment time; environment variables override for local testing.
type deviceIdentity struct {
	Region          string
	DeviceID        string
	StaticAccessKey string
	StaticSecretKey string
	SessionToken    string
	CredentialsFile string
}

func resolveIdentity(cfg config.Agent) (deviceIdentity, error) {
	// Check environment overrides first
	region := os.Getenv("AWS_REGION")
	deviceID := os.Getenv("DEVICEUPDATE_DEVICE_ID")

	if deviceID == "" {
		deviceID = cfg.DeviceID
	}

	id := deviceIdentity{Region: region, DeviceID: deviceID}

	if _, err := os.Stat(cfg.CredentialsConfigFile); err == nil {
		creds, err := configloader.LoadCredentials(cfg.CredentialsConfigFile)
		if err != nil {
			return deviceIdentity{}, err
		}
		id.Region = orEnvDefault(region, creds.Region)
		id.StaticAccessKey = creds.AWSAccessKeyID
		id.StaticSecretKey = creds.AWSSecretAccessKey
		id.SessionToken = creds.SessionToken
		id.CredentialsFile = creds.CredentialsFile
	}

	if id.Region == "" {
		return deviceIdentity{}, fmt.Errorf("cannot determine region: set AWS_REGION or provision %s", cfg.CredentialsConfigFile)
	}
	if id.DeviceID == "" {
		return deviceIdentity{}, fmt.Errorf("cannot determine device identifier: set DEVICEUPDATE_DEVICE_ID or device_id in config")
	}
	return id, nil
}

func orEnvDefault(envVal, configVal string) string {
	if envVal != "" {
		return envVal
	}
	return configVal
}

// agentVersion reads the module version from Go build info.
func agentVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "unknown"
	}
	return bi.Main.Version
}

// stagedManifest records the currently staged update. The deviceInformation
// report derives installed_version from it.
type stagedManifest struct {
	UpdateID string `json:"update_id"`
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Artifact string `json:"artifact"`
	StagedAt string `json:"staged_at"`
}

const manifestName = "staged-update.json"

func installedVersion(stageDir string) string {
	data, err := os.ReadFile(filepath.Join(stageDir, manifestName))
	if err != nil {
		return ""
	}
	var mf stagedManifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return ""
	}
	return mf.Version
}

// Bridge types adapt adaptor implementations to orchestration interfaces.

// updateServiceBridge adapts devicectl.Client to updater.UpdateService.
type updateServiceBridge struct {
	client *devicectl.Client
}

func (s *updateServiceBridge) PollDeviceUpdate(ctx context.Context, deviceID string) (*updater.UpdateCommand, error) {
	cmd, err := s.client.PollDeviceUpdate(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, nil
	}
	return &updater.UpdateCommand{
		UpdateIdentifier: cmd.UpdateIdentifier,
		DeviceIdentifier: cmd.DeviceIdentifier,
		CommandName:      cmd.CommandName,
	}, nil
}

func (s *updateServiceBridge) AcknowledgeUpdate(ctx context.Context, updateID, deviceID string) (string, error) {
	return s.client.AcknowledgeUpdate(ctx, updateID, deviceID)
}

func (s *updateServiceBridge) GetUpdateSpecification(ctx context.Context, updateID, deviceID string) (*updater.Envelope, error) {
	spec, err := s.client.GetUpdateSpecification(ctx, updateID, deviceID)
	if err != nil {
		return nil, err
	}
	if spec == nil || spec.SpecificationEnvelope == nil {
		return nil, nil
	}
	return &updater.Envelope{
		Format:  spec.SpecificationEnvelope.Format,
		Payload: spec.SpecificationEnvelope.Payload,
	}, nil
}

// reporterBridge adapts the delivery engine to updater.Reporter. Each report
// is fire-and-forget from the updater's point of view; the engine owns the
// retries, and the completed callback surfaces the terminal outcome in logs.
type reporterBridge struct {
	m       *messenger.Messenger
	session *messenger.Session
	logger  *slog.Logger
}

func (r *reporterBridge) ReportUpdateResult(content string) error {
	return r.submit(messenger.ChannelUpdateResult, content)
}

func (r *reporterBridge) ReportUpdateACK(content string) error {
	return r.submit(messenger.ChannelUpdateACK, content)
}

func (r *reporterBridge) submit(ch messenger.Channel, content string) error {
	cb := messenger.Callbacks{
		OnCompleted: func(msg *messenger.Message, status messenger.Status) {
			if status != messenger.StatusSuccess {
				r.logger.Warn("report not delivered",
					"channel", ch, "status", status, "attempts", msg.Attempts)
			}
		},
	}
	return r.m.SendAsync(ch, r.session, []byte(content), cb, nil)
}

// specParserBridge adapts updatespec.Parse to updater.SpecParser.
type specParserBridge struct {
	verifier      *pkcs7.Verifier
	allowUnsigned bool
}

func (p *specParserBridge) Parse(env updatespec.Envelope) (updatespec.Spec, error) {
	return updatespec.Parse(env, p.verifier, p.allowUnsigned)
}

// artifactFetcherBridge adapts s3download to updater.ArtifactFetcher.
type artifactFetcherBridge struct {
	dl *s3download.Downloader
}

func (f *artifactFetcherBridge) Download(ctx context.Context, bucket, key, version, sha256Hex, destPath string) error {
	return f.dl.Download(ctx, bucket, key, version, sha256Hex, destPath)
}

func (f *artifactFetcherBridge) VerifyFile(path, sha256Hex string) error {
	return s3download.VerifyFile(path, sha256Hex)
}

// stagedInstaller implements updater.Installer by staging the verified
// artifact under stageDir and writing a manifest the platform's boot tooling
// picks up. Flashing itself happens outside the agent; staging plus the
// success report is the agent's half of the contract.
type stagedInstaller struct {
	stageDir  string
	updateLog string
	logger    *slog.Logger
}

func (i *stagedInstaller) Apply(ctx context.Context, spec updatespec.Spec, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := filepath.Join(i.stageDir, spec.UpdateID+".artifact")
	if err := copyFile(artifactPath, dest); err != nil {
		return fmt.Errorf("agent: stage artifact: %w", err)
	}

	mf := stagedManifest{
		UpdateID: spec.UpdateID,
		Provider: spec.Provider,
		Name:     spec.Name,
		Version:  spec.Version,
		Artifact: dest,
		StagedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(mf)
	if err != nil {
		return fmt.Errorf("agent: marshal staged manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(i.stageDir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("agent: write staged manifest: %w", err)
	}

	i.logger.Info("update staged",
		"updateId", spec.UpdateID, "version", spec.Version, "artifact", dest)
	i.appendUpdateLog(mf)
	return nil
}

// appendUpdateLog records staged updates in a human-readable audit log.
// Best-effort: a failed audit write never fails the update.
func (i *stagedInstaller) appendUpdateLog(mf stagedManifest) {
	if i.updateLog == "" {
		return
	}
	f, err := os.OpenFile(i.updateLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		i.logger.Warn("cannot open update log", "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	fmt.Fprintf(f, "%s staged %s %s/%s version %s\n",
		mf.StagedAt, mf.UpdateID, mf.Provider, mf.Name, mf.Version)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
