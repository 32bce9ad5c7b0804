package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gurre/deviceupdate-agent-go/logic/report"
	"github.com/gurre/deviceupdate-agent-go/logic/updatespec"
)

type stubService struct {
	cmd       *UpdateCommand
	ackStatus string
	ackErr    error
	env       *Envelope
	envErr    error

	ackCalls  int
	specCalls int
}

func (s *stubService) PollDeviceUpdate(_ context.Context, _ string) (*UpdateCommand, error) {
	cmd := s.cmd
	s.cmd = nil // one command per test
	return cmd, nil
}

func (s *stubService) AcknowledgeUpdate(_ context.Context, _, _ string) (string, error) {
	s.ackCalls++
	return s.ackStatus, s.ackErr
}

func (s *stubService) GetUpdateSpecification(_ context.Context, _, _ string) (*Envelope, error) {
	s.specCalls++
	return s.env, s.envErr
}

type stubReporter struct {
	mu      sync.Mutex
	results []report.UpdateResult
	acks    []report.UpdateACK
}

func (r *stubReporter) ReportUpdateResult(content string) error {
	var res report.UpdateResult
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		return err
	}
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	return nil
}

func (r *stubReporter) ReportUpdateACK(content string) error {
	var ack report.UpdateACK
	if err := json.Unmarshal([]byte(content), &ack); err != nil {
		return err
	}
	r.mu.Lock()
	r.acks = append(r.acks, ack)
	r.mu.Unlock()
	return nil
}

func (r *stubReporter) lastResult(t *testing.T) report.UpdateResult {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		t.Fatal("no update result reported")
	}
	return r.results[len(r.results)-1]
}

type stubParser struct {
	spec updatespec.Spec
	err  error
}

func (p *stubParser) Parse(_ updatespec.Envelope) (updatespec.Spec, error) {
	return p.spec, p.err
}

type stubFetcher struct {
	downloadErr error
	verifyErr   error

	downloaded []string // bucket/key
	verified   []string
}

func (f *stubFetcher) Download(_ context.Context, bucket, key, _, _, destPath string) error {
	f.downloaded = append(f.downloaded, bucket+"/"+key)
	return f.downloadErr
}

func (f *stubFetcher) VerifyFile(path, _ string) error {
	f.verified = append(f.verified, path)
	return f.verifyErr
}

type stubInstaller struct {
	err   error
	paths []string
}

func (i *stubInstaller) Apply(_ context.Context, _ updatespec.Spec, artifactPath string) error {
	i.paths = append(i.paths, artifactPath)
	return i.err
}

type stubTracker struct {
	created  []string // "id:stage"
	deleted  []string
	inFlight [2]string
	cleaned  bool
}

func (tr *stubTracker) Create(updateID, stage string) error {
	tr.created = append(tr.created, updateID+":"+stage)
	return nil
}
func (tr *stubTracker) Delete(updateID string)          { tr.deleted = append(tr.deleted, updateID) }
func (tr *stubTracker) InProgressUpdate() (string, string) { return tr.inFlight[0], tr.inFlight[1] }
func (tr *stubTracker) CleanAll()                       { tr.cleaned = true }

type fixture struct {
	service   *stubService
	reporter  *stubReporter
	parser    *stubParser
	fetcher   *stubFetcher
	installer *stubInstaller
	tracker   *stubTracker
	updater   *Updater
}

func s3Spec() updatespec.Spec {
	return updatespec.Spec{
		UpdateID: "u-1",
		Provider: "acme",
		Name:     "fw",
		Version:  "2.0.0",
		Artifact: updatespec.Artifact{
			Source: updatespec.ArtifactS3,
			Bucket: "b",
			Key:    "k",
			SHA256: strings.Repeat("ab", 32),
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		service: &stubService{
			cmd:       &UpdateCommand{UpdateIdentifier: "u-1", DeviceIdentifier: "dev-1", CommandName: "ApplyUpdate"},
			ackStatus: "Acknowledged",
			env:       &Envelope{Format: "TEXT/JSON", Payload: "{}"},
		},
		reporter:  &stubReporter{},
		parser:    &stubParser{spec: s3Spec()},
		fetcher:   &stubFetcher{},
		installer: &stubInstaller{},
		tracker:   &stubTracker{},
	}
	f.updater = NewUpdater(f.service, f.reporter, f.parser, f.fetcher, f.installer, f.tracker,
		"dev-1", t.TempDir(), time.Millisecond, time.Millisecond, slog.Default())
	return f
}

// TestProcessUpdate_HappyPath verifies the full workflow: acknowledge,
// fetch spec, download, apply, report success, tracking file removed.
func TestProcessUpdate_HappyPath(t *testing.T) {
	f := newFixture(t)

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(f.reporter.acks) != 1 || !f.reporter.acks[0].Acknowledged {
		t.Errorf("acks = %+v, want one accepted ack", f.reporter.acks)
	}
	if len(f.fetcher.downloaded) != 1 || f.fetcher.downloaded[0] != "b/k" {
		t.Errorf("downloaded = %v, want [b/k]", f.fetcher.downloaded)
	}
	if len(f.installer.paths) != 1 {
		t.Fatalf("installer calls = %d, want 1", len(f.installer.paths))
	}

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.Succeeded || res.Stage != StageApply || res.UpdateID != "u-1" {
		t.Errorf("result = %+v, want apply success for u-1", res)
	}

	// Tracking progressed through both stages and was cleaned up.
	wantCreated := []string{"u-1:download", "u-1:apply"}
	if len(f.tracker.created) != 2 || f.tracker.created[0] != wantCreated[0] || f.tracker.created[1] != wantCreated[1] {
		t.Errorf("tracker.created = %v, want %v", f.tracker.created, wantCreated)
	}
	if len(f.tracker.deleted) != 1 || f.tracker.deleted[0] != "u-1" {
		t.Errorf("tracker.deleted = %v, want [u-1]", f.tracker.deleted)
	}
}

// TestProcessUpdate_WithdrawnUpdate verifies that an update the service
// reports as Canceled at acknowledgement is dropped: a declined ack goes out
// and neither spec fetch nor download happens.
func TestProcessUpdate_WithdrawnUpdate(t *testing.T) {
	f := newFixture(t)
	f.service.ackStatus = "Canceled"

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(f.reporter.acks) != 1 || f.reporter.acks[0].Acknowledged {
		t.Errorf("acks = %+v, want one declined ack", f.reporter.acks)
	}
	if f.service.specCalls != 0 {
		t.Errorf("spec fetched for a withdrawn update")
	}
	if len(f.fetcher.downloaded) != 0 {
		t.Errorf("artifact downloaded for a withdrawn update")
	}
}

// TestProcessUpdate_SignatureRejected verifies that a spec whose signature
// fails verification reports the dedicated signature code, not the generic
// invalid-spec code.
func TestProcessUpdate_SignatureRejected(t *testing.T) {
	f := newFixture(t)
	f.parser.err = fmt.Errorf("updatespec: PKCS7 verification failed: bad digest")

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.SignatureRejected || res.Stage != StageSpecification {
		t.Errorf("result = %+v, want SignatureRejected at specification", res)
	}
	if len(f.fetcher.downloaded) != 0 {
		t.Error("download attempted after spec rejection")
	}
}

// TestProcessUpdate_MalformedSpec verifies a parse failure that is not a
// signature problem reports SpecInvalid.
func TestProcessUpdate_MalformedSpec(t *testing.T) {
	f := newFixture(t)
	f.parser.err = fmt.Errorf("updatespec: missing UpdateId")

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.SpecInvalid || res.Stage != StageSpecification {
		t.Errorf("result = %+v, want SpecInvalid at specification", res)
	}
}

// TestProcessUpdate_DigestMismatch verifies a download whose bytes do not
// hash to the spec digest reports DigestMismatch and still removes the
// tracking file, so the failed update does not resurface as a crash.
func TestProcessUpdate_DigestMismatch(t *testing.T) {
	f := newFixture(t)
	f.fetcher.downloadErr = fmt.Errorf("s3download: SHA-256 mismatch: expected aa, got bb")

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.DigestMismatch || res.Stage != StageDownload {
		t.Errorf("result = %+v, want DigestMismatch at download", res)
	}
	if len(f.installer.paths) != 0 {
		t.Error("installer ran on a mismatched artifact")
	}
	if len(f.tracker.deleted) != 1 {
		t.Error("tracking file not removed after failure")
	}
}

// TestProcessUpdate_DownloadFailure verifies a plain transfer failure
// reports DownloadFailed.
func TestProcessUpdate_DownloadFailure(t *testing.T) {
	f := newFixture(t)
	f.fetcher.downloadErr = errors.New("connection reset")

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.DownloadFailed || res.Stage != StageDownload {
		t.Errorf("result = %+v, want DownloadFailed at download", res)
	}
}

// TestProcessUpdate_LocalArtifact verifies the local-file path used in
// testing: the artifact is verified in place and the installer receives its
// original location.
func TestProcessUpdate_LocalArtifact(t *testing.T) {
	f := newFixture(t)
	f.parser.spec = updatespec.Spec{
		UpdateID: "u-1", Provider: "acme", Name: "fw", Version: "2.0.0",
		Artifact: updatespec.Artifact{
			Source:        updatespec.ArtifactLocalFile,
			LocalLocation: "/tmp/image.swu",
			SHA256:        strings.Repeat("cd", 32),
		},
	}

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(f.fetcher.verified) != 1 || f.fetcher.verified[0] != "/tmp/image.swu" {
		t.Errorf("verified = %v, want [/tmp/image.swu]", f.fetcher.verified)
	}
	if len(f.fetcher.downloaded) != 0 {
		t.Error("S3 download attempted for a local artifact")
	}
	if len(f.installer.paths) != 1 || f.installer.paths[0] != "/tmp/image.swu" {
		t.Errorf("installer paths = %v", f.installer.paths)
	}
}

// TestProcessUpdate_InstallerFailure verifies an apply failure is reported
// at the apply stage with the generic error code.
func TestProcessUpdate_InstallerFailure(t *testing.T) {
	f := newFixture(t)
	f.installer.err = errors.New("swupdate exited 1")

	if err := f.updater.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.UnknownError || res.Stage != StageApply {
		t.Errorf("result = %+v, want UnknownError at apply", res)
	}
}

// TestRecoverFromCrash verifies that an in-progress tracking file from a
// previous run produces a FailedAfterRestart report and clears the tracking
// state, and that a clean tracker produces nothing.
func TestRecoverFromCrash(t *testing.T) {
	f := newFixture(t)
	f.tracker.inFlight = [2]string{"u-9", StageApply}

	f.updater.RecoverFromCrash()

	res := f.reporter.lastResult(t)
	if res.ResultCode != report.FailedAfterRestart || res.UpdateID != "u-9" || res.Stage != StageApply {
		t.Errorf("result = %+v, want FailedAfterRestart for u-9/apply", res)
	}
	if !f.tracker.cleaned {
		t.Error("tracking state not cleaned after recovery")
	}

	clean := newFixture(t)
	clean.updater.RecoverFromCrash()
	if len(clean.reporter.results) != 0 {
		t.Errorf("reports without an in-progress update: %+v", clean.reporter.results)
	}
}

// TestRun_StopsOnCancel verifies the polling loop exits promptly when its
// context is cancelled.
func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.service.cmd = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.updater.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
