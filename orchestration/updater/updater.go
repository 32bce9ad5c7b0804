// Package updater implements the update workflow: poll the Device Update
// control service for commands, acknowledge, fetch and verify the signed
// specification, download the artifact, apply it, and report each outcome
// through the delivery engine.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gurre/deviceupdate-agent-go/logic/report"
	"github.com/gurre/deviceupdate-agent-go/logic/updatespec"
)

// Update stages, recorded in the tracking file and reported with results.
const (
	StageAcknowledge   = "acknowledge"
	StageSpecification = "specification"
	StageDownload      = "download"
	StageApply         = "apply"
)

// UpdateService communicates with the Device Update control service.
type UpdateService interface {
	PollDeviceUpdate(ctx context.Context, deviceID string) (*UpdateCommand, error)
	AcknowledgeUpdate(ctx context.Context, updateID, deviceID string) (string, error)
	GetUpdateSpecification(ctx context.Context, updateID, deviceID string) (*Envelope, error)
}

// UpdateCommand is a command from PollDeviceUpdate.
type UpdateCommand struct {
	UpdateIdentifier string
	DeviceIdentifier string
	CommandName      string
}

// Envelope wraps a format+payload pair used in the protocol.
type Envelope struct {
	Format  string
	Payload string
}

// Reporter submits result payloads for asynchronous delivery. Submission
// failures are the reporter's to surface; delivery retries are not the
// updater's concern.
type Reporter interface {
	ReportUpdateResult(content string) error
	ReportUpdateACK(content string) error
}

// SpecParser parses update specification envelopes.
type SpecParser interface {
	Parse(env updatespec.Envelope) (updatespec.Spec, error)
}

// ArtifactFetcher downloads and verifies update artifacts.
type ArtifactFetcher interface {
	Download(ctx context.Context, bucket, key, version, sha256Hex, destPath string) error
	VerifyFile(path, sha256Hex string) error
}

// Installer applies a verified artifact to the device.
type Installer interface {
	Apply(ctx context.Context, spec updatespec.Spec, artifactPath string) error
}

// UpdateTracker manages in-progress update tracking.
type UpdateTracker interface {
	Create(updateID, stage string) error
	Delete(updateID string)
	InProgressUpdate() (updateID, stage string)
	CleanAll()
}

// Updater polls the Device Update control service for work. Updates are
// processed one at a time; a device cannot apply two firmware images
// concurrently.
type Updater struct {
	service      UpdateService
	reporter     Reporter
	parser       SpecParser
	fetcher      ArtifactFetcher
	installer    Installer
	tracker      UpdateTracker
	deviceID     string
	workDir      string
	pollInterval time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
}

// NewUpdater creates an updater.
//
//	u := updater.NewUpdater(svc, rep, parser, fetcher, inst, tracker, deviceID,
//		"/var/lib/deviceupdate-agent/work", 30*time.Second, 30*time.Second, logger)
func NewUpdater(
	svc UpdateService,
	rep Reporter,
	parser SpecParser,
	fetcher ArtifactFetcher,
	inst Installer,
	tracker UpdateTracker,
	deviceID, workDir string,
	pollInterval, errorBackoff time.Duration,
	logger *slog.Logger,
) *Updater {
	return &Updater{
		service:      svc,
		reporter:     rep,
		parser:       parser,
		fetcher:      fetcher,
		installer:    inst,
		tracker:      tracker,
		deviceID:     deviceID,
		workDir:      workDir,
		pollInterval: pollInterval,
		errorBackoff: errorBackoff,
		logger:       logger,
	}
}

// RecoverFromCrash checks for an in-progress update from before a crash and
// reports it as failed. Should be called once at startup.
func (u *Updater) RecoverFromCrash() {
	updateID, stage := u.tracker.InProgressUpdate()
	if updateID == "" {
		return
	}

	u.logger.Warn("found in-progress update after restart, failing it",
		"updateId", updateID, "stage", stage)

	if err := u.reporter.ReportUpdateResult(report.BuildFailedAfterRestart(updateID, stage)); err != nil {
		u.logger.Error("failed to submit restart failure report", "error", err)
	}

	u.tracker.CleanAll()
}

// Run starts the polling loop. Blocks until context is cancelled.
func (u *Updater) Run(ctx context.Context) error {
	u.logger.Info("starting update polling loop", "deviceId", u.deviceID)

	for {
		select {
		case <-ctx.Done():
			u.logger.Info("update polling loop stopped")
			return nil
		default:
		}

		if err := u.poll(ctx); err != nil {
			u.logger.Error("poll error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(u.errorBackoff):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(u.pollInterval):
		}
	}
}

func (u *Updater) poll(ctx context.Context) error {
	cmd, err := u.service.PollDeviceUpdate(ctx, u.deviceID)
	if err != nil {
		return fmt.Errorf("updater: poll: %w", err)
	}
	if cmd == nil {
		return nil
	}

	u.logger.Info("received update command",
		"command", cmd.CommandName, "updateId", cmd.UpdateIdentifier)

	if cmd.UpdateIdentifier == "" {
		return fmt.Errorf("updater: empty update identifier")
	}

	u.processUpdate(ctx, cmd)
	return nil
}

func (u *Updater) processUpdate(ctx context.Context, cmd *UpdateCommand) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("panic in update processing", "panic", r, "updateId", cmd.UpdateIdentifier)
		}
	}()

	ackStatus, err := u.service.AcknowledgeUpdate(ctx, cmd.UpdateIdentifier, u.deviceID)
	if err != nil {
		u.reportFailure(cmd.UpdateIdentifier, StageAcknowledge, report.UnknownError, err)
		return
	}

	if ackStatus == "Canceled" {
		u.logger.Info("update withdrawn before acknowledgement", "updateId", cmd.UpdateIdentifier)
		u.submitACK(cmd.UpdateIdentifier, false)
		return
	}
	u.submitACK(cmd.UpdateIdentifier, true)

	env, err := u.service.GetUpdateSpecification(ctx, cmd.UpdateIdentifier, u.deviceID)
	if err != nil {
		u.reportFailure(cmd.UpdateIdentifier, StageSpecification, report.UnknownError, err)
		return
	}
	if env == nil {
		u.reportFailure(cmd.UpdateIdentifier, StageSpecification, report.SpecInvalid,
			fmt.Errorf("missing update specification"))
		return
	}

	spec, err := u.parser.Parse(updatespec.Envelope{Format: env.Format, Payload: env.Payload})
	if err != nil {
		code := report.SpecInvalid
		if strings.Contains(err.Error(), "verification failed") {
			code = report.SignatureRejected
		}
		u.reportFailure(cmd.UpdateIdentifier, StageSpecification, code, err)
		return
	}

	if err := u.tracker.Create(spec.UpdateID, StageDownload); err != nil {
		u.logger.Error("failed to create tracking file", "error", err)
	}
	defer u.tracker.Delete(spec.UpdateID)

	artifactPath, err := u.fetchArtifact(ctx, spec)
	if err != nil {
		code := report.DownloadFailed
		if strings.Contains(err.Error(), "SHA-256 mismatch") {
			code = report.DigestMismatch
		}
		u.reportFailure(spec.UpdateID, StageDownload, code, err)
		return
	}

	if err := u.tracker.Create(spec.UpdateID, StageApply); err != nil {
		u.logger.Error("failed to update tracking file", "error", err)
	}

	if err := u.installer.Apply(ctx, spec, artifactPath); err != nil {
		u.reportFailure(spec.UpdateID, StageApply, report.UnknownError, err)
		return
	}

	u.logger.Info("update applied", "updateId", spec.UpdateID, "version", spec.Version)
	if err := u.reporter.ReportUpdateResult(report.BuildUpdateSucceeded(spec.UpdateID, StageApply)); err != nil {
		u.logger.Error("failed to submit success report", "error", err)
	}
}

// fetchArtifact resolves the artifact to a verified local path.
func (u *Updater) fetchArtifact(ctx context.Context, spec updatespec.Spec) (string, error) {
	switch spec.Artifact.Source {
	case updatespec.ArtifactS3:
		dest := filepath.Join(u.workDir, spec.UpdateID+".artifact")
		if err := u.fetcher.Download(ctx, spec.Artifact.Bucket, spec.Artifact.Key,
			spec.Artifact.VersionID, spec.Artifact.SHA256, dest); err != nil {
			return "", err
		}
		return dest, nil

	case updatespec.ArtifactLocalFile:
		if spec.Artifact.SHA256 != "" {
			if err := u.fetcher.VerifyFile(spec.Artifact.LocalLocation, spec.Artifact.SHA256); err != nil {
				return "", err
			}
		}
		return spec.Artifact.LocalLocation, nil

	default:
		return "", fmt.Errorf("updater: unsupported artifact source %q", spec.Artifact.Source)
	}
}

func (u *Updater) submitACK(updateID string, accepted bool) {
	if err := u.reporter.ReportUpdateACK(report.BuildUpdateACK(updateID, accepted)); err != nil {
		u.logger.Error("failed to submit update acknowledgement", "error", err)
	}
}

func (u *Updater) reportFailure(updateID, stage string, code report.ResultCode, err error) {
	u.logger.Error("update stage failed", "updateId", updateID, "stage", stage, "error", err)
	if rerr := u.reporter.ReportUpdateResult(report.BuildUpdateFailed(updateID, stage, code, err)); rerr != nil {
		u.logger.Error("failed to submit failure report", "error", rerr)
	}
}
