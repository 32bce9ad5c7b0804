// Package updatespec parses update specification envelopes received from the
// Device Update control service. It handles both PKCS7/JSON (signed by the
// service) and TEXT/JSON (used for local testing) formats.
package updatespec

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// CertificateVerifier verifies PKCS7 signatures and returns the signed data.
type CertificateVerifier interface {
	// Verify checks a PKCS7 signature and returns the contained payload.
	Verify(signature []byte) ([]byte, error)
}

// Envelope holds the format and payload of an update specification.
type Envelope struct {
	Format  string
	Payload string
}

// ArtifactSource identifies where the update artifact comes from.
type ArtifactSource string

const (
	ArtifactS3        ArtifactSource = "S3"
	ArtifactLocalFile ArtifactSource = "Local File"
)

// Artifact describes the update payload to fetch and verify.
type Artifact struct {
	Source ArtifactSource

	// S3 fields
	Bucket    string
	Key       string
	VersionID string

	// Local fields
	LocalLocation string

	// SHA256 is the hex digest the downloaded artifact must match.
	SHA256 string
}

// Spec holds a fully parsed update specification.
type Spec struct {
	UpdateID string
	Provider string
	Name     string
	Version  string

	// InstalledCriteria is the marker the device checks to decide whether
	// this update is already applied. Empty means version comparison only.
	InstalledCriteria string

	Artifact Artifact
}

// rawSpec mirrors the JSON structure for unmarshalling.
type rawSpec struct {
	UpdateID          string      `json:"UpdateId"`
	Provider          string      `json:"Provider"`
	Name              string      `json:"Name"`
	Version           string      `json:"Version"`
	InstalledCriteria string      `json:"InstalledCriteria"`
	Artifact          rawArtifact `json:"Artifact"`
}

type rawArtifact struct {
	SourceType string         `json:"SourceType"`
	S3Artifact *rawS3Artifact `json:"S3Artifact"`
	LocalFile  *rawLocalFile  `json:"LocalFile"`
}

type rawS3Artifact struct {
	Bucket    string `json:"Bucket"`
	Key       string `json:"Key"`
	VersionID string `json:"VersionId"`
	SHA256    string `json:"Sha256"`
}

type rawLocalFile struct {
	Location string `json:"Location"`
	SHA256   string `json:"Sha256"`
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Parse decodes an update specification envelope. For PKCS7/JSON envelopes
// the verifier validates the signature first. For TEXT/JSON (local testing)
// the allowUnsigned flag must be true.
//
//	spec, err := updatespec.Parse(envelope, verifier, false)
//	fmt.Println(spec.UpdateID, spec.Artifact.Source)
func Parse(env Envelope, verifier CertificateVerifier, allowUnsigned bool) (Spec, error) {
	if env.Format == "" && env.Payload == "" {
		return Spec{}, fmt.Errorf("updatespec: envelope is empty")
	}

	var data []byte
	switch env.Format {
	case "PKCS7/JSON":
		if verifier == nil {
			return Spec{}, fmt.Errorf("updatespec: no certificate verifier for PKCS7/JSON")
		}
		var err error
		data, err = verifier.Verify([]byte(env.Payload))
		if err != nil {
			return Spec{}, fmt.Errorf("updatespec: PKCS7 verification failed: %w", err)
		}
	case "TEXT/JSON":
		if !allowUnsigned {
			return Spec{}, fmt.Errorf("updatespec: TEXT/JSON only allowed for local testing")
		}
		data = []byte(env.Payload)
	default:
		return Spec{}, fmt.Errorf("updatespec: unsupported format %q", env.Format)
	}

	return parseSpecData(data)
}

func parseSpecData(data []byte) (Spec, error) {
	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return Spec{}, fmt.Errorf("updatespec: JSON parse error: %w", err)
	}

	if raw.UpdateID == "" {
		return Spec{}, fmt.Errorf("updatespec: missing UpdateId")
	}
	if raw.Provider == "" {
		return Spec{}, fmt.Errorf("updatespec: missing Provider")
	}
	if raw.Name == "" {
		return Spec{}, fmt.Errorf("updatespec: missing Name")
	}
	if raw.Version == "" {
		return Spec{}, fmt.Errorf("updatespec: missing Version")
	}

	spec := Spec{
		UpdateID:          extractUpdateID(raw.UpdateID),
		Provider:          raw.Provider,
		Name:              raw.Name,
		Version:           raw.Version,
		InstalledCriteria: raw.InstalledCriteria,
	}

	if raw.Artifact.SourceType == "" {
		return Spec{}, fmt.Errorf("updatespec: missing artifact source")
	}

	spec.Artifact.Source = ArtifactSource(raw.Artifact.SourceType)

	switch spec.Artifact.Source {
	case ArtifactS3:
		a := raw.Artifact.S3Artifact
		if a == nil || a.Bucket == "" || a.Key == "" {
			return Spec{}, fmt.Errorf("updatespec: S3 artifact must specify Bucket and Key")
		}
		if !hexDigest.MatchString(strings.ToLower(a.SHA256)) {
			return Spec{}, fmt.Errorf("updatespec: S3 artifact Sha256 must be a 64-char hex digest")
		}
		spec.Artifact.Bucket = a.Bucket
		spec.Artifact.Key = a.Key
		spec.Artifact.VersionID = a.VersionID
		spec.Artifact.SHA256 = strings.ToLower(a.SHA256)

	case ArtifactLocalFile:
		a := raw.Artifact.LocalFile
		if a == nil || a.Location == "" {
			return Spec{}, fmt.Errorf("updatespec: local artifact must specify Location")
		}
		if a.SHA256 != "" && !hexDigest.MatchString(strings.ToLower(a.SHA256)) {
			return Spec{}, fmt.Errorf("updatespec: local artifact Sha256 must be a 64-char hex digest")
		}
		spec.Artifact.LocalLocation = a.Location
		spec.Artifact.SHA256 = strings.ToLower(a.SHA256)

	default:
		return Spec{}, fmt.Errorf("updatespec: unsupported artifact source %q", spec.Artifact.Source)
	}

	return spec, nil
}

// extractUpdateID extracts the update ID from an ARN or returns as-is.
// ARN format: arn:aws:deviceupdate:us-east-1:123412341234:update/u-XXXXXXXXX
func extractUpdateID(id string) string {
	if strings.HasPrefix(id, "arn:") {
		parts := strings.SplitN(id, ":", 6)
		if len(parts) == 6 {
			resourceParts := strings.SplitN(parts[5], "/", 2)
			if len(resourceParts) == 2 {
				return resourceParts[1]
			}
		}
	}
	return id
}
