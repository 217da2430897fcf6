package manifest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/roundtable-labs/roundtable/core/pkg/canonicalize"
)

// Signature algorithms accepted for manifest verification.
const (
	AlgRSAPKCS1v15 = "rsa-pkcs1v15-sha256"
	AlgRSAPSS      = "rsa-pss-sha256"
	AlgECDSA       = "ecdsa-sha256"
)

// DetachedSignature is the sidecar document stored next to the manifest
// (path + ".sig"). The signature covers the JCS canonical form of the
// manifest document.
type DetachedSignature struct {
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"` // base64
	KeyID     string `json:"key_id,omitempty"`
}

// SigPath returns the conventional sidecar path for a manifest path.
func SigPath(manifestPath string) string { return manifestPath + ".sig" }

// Load reads, schema-validates, and signature-verifies the law manifest at
// path. The detached signature is read from SigPath(path). Any failure is
// returned as *SystemIntegrityError; there is no retry path, callers are
// expected to abort startup.
func Load(path string, pub crypto.PublicKey) (*LawManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &SystemIntegrityError{Check: "read", Reason: "manifest unreadable", Err: err}
	}

	sigRaw, err := os.ReadFile(SigPath(path))
	if err != nil {
		return nil, &SystemIntegrityError{Check: "signature", Reason: "detached signature unreadable", Err: err}
	}
	var sig DetachedSignature
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return nil, &SystemIntegrityError{Check: "signature", Reason: "detached signature malformed", Err: err}
	}

	return Parse(raw, sig, pub)
}

// Parse verifies a manifest document against a detached signature and a
// trusted public key. Split from Load so callers holding the bytes (tests,
// object-store loaders) can verify without touching the filesystem.
func Parse(raw []byte, sig DetachedSignature, pub crypto.PublicKey) (*LawManifest, error) {
	// 1. Fixed schema.
	if err := validateSchema(raw); err != nil {
		return nil, &SystemIntegrityError{Check: "schema", Reason: "manifest rejected", Err: err}
	}

	var m LawManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &SystemIntegrityError{Check: "schema", Reason: "manifest decode failed", Err: err}
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, &SystemIntegrityError{Check: "schema", Reason: fmt.Sprintf("version %q is not semver", m.Version), Err: err}
	}

	// 2. Detached signature over the canonical document.
	if err := verifySignature(raw, sig, pub); err != nil {
		return nil, &SystemIntegrityError{Check: "signature", Reason: "verification failed", Err: err}
	}

	// 3. Conflict resolution must cover every declared law exactly once.
	if err := checkConflictResolution(&m); err != nil {
		return nil, &SystemIntegrityError{Check: "conflict_resolution", Reason: "ordering invalid", Err: err}
	}

	return &m, nil
}

func verifySignature(raw []byte, sig DetachedSignature, pub crypto.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("no public key configured")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("signature not base64: %w", err)
	}

	// Canonicalize the document so whitespace and key ordering in the file
	// cannot affect verification.
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	canonical, err := canonicalize.JCS(doc)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(canonical)

	switch sig.Algorithm {
	case AlgRSAPKCS1v15:
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("algorithm %s requires an RSA key, got %T", sig.Algorithm, pub)
		}
		if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], sigBytes); err != nil {
			return fmt.Errorf("RSA signature verification failed: %w", err)
		}
	case AlgRSAPSS:
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("algorithm %s requires an RSA key, got %T", sig.Algorithm, pub)
		}
		if err := rsa.VerifyPSS(rsaKey, crypto.SHA256, digest[:], sigBytes, nil); err != nil {
			return fmt.Errorf("RSA-PSS signature verification failed: %w", err)
		}
	case AlgECDSA:
		ecKey, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("algorithm %s requires an ECDSA key, got %T", sig.Algorithm, pub)
		}
		if !ecdsa.VerifyASN1(ecKey, digest[:], sigBytes) {
			return fmt.Errorf("ECDSA signature verification failed")
		}
	default:
		return fmt.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}
	return nil
}

func checkConflictResolution(m *LawManifest) error {
	if len(m.ConflictResolution) != len(m.Laws) {
		return fmt.Errorf("conflict_resolution lists %d ids, manifest declares %d laws",
			len(m.ConflictResolution), len(m.Laws))
	}
	seen := make(map[string]bool, len(m.ConflictResolution))
	for _, id := range m.ConflictResolution {
		if seen[id] {
			return fmt.Errorf("law %q listed more than once", id)
		}
		if _, ok := m.LawByID(id); !ok {
			return fmt.Errorf("law %q is not declared", id)
		}
		seen[id] = true
	}
	return nil
}
