package manifest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roundtable-labs/roundtable/core/pkg/canonicalize"
)

func testManifestDoc() map[string]any {
	return map[string]any{
		"version": "1.0.0",
		"laws": []map[string]any{
			{"id": "law.audit", "enforcement_level": "critical"},
			{"id": "law.fairness", "enforcement_level": "standard"},
			{"id": "law.energy", "enforcement_level": "standard"},
		},
		"conflict_resolution": []string{"law.audit", "law.fairness", "law.energy"},
		"jurisdiction": map[string]any{
			"allowed_regions": []string{"eu-west", "us-east"},
		},
		"fairness": map[string]any{"threshold": 0.2, "mitigation": "human_review"},
		"energy":   map[string]any{"budget_kwh": 0.5, "enforcement": "graduated"},
	}
}

func signDoc(t *testing.T, doc map[string]any, key *rsa.PrivateKey, alg string) ([]byte, DetachedSignature) {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	canonical, err := canonicalize.JCS(doc)
	require.NoError(t, err)
	digest := sha256.Sum256(canonical)

	var sigBytes []byte
	switch alg {
	case AlgRSAPKCS1v15:
		sigBytes, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case AlgRSAPSS:
		sigBytes, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	default:
		t.Fatalf("unsupported alg %s", alg)
	}
	require.NoError(t, err)

	return raw, DetachedSignature{
		Algorithm: alg,
		Signature: base64.StdEncoding.EncodeToString(sigBytes),
	}
}

func TestParse_ValidManifest(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, sig := signDoc(t, testManifestDoc(), key, AlgRSAPKCS1v15)

	m, err := Parse(raw, sig, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Len(t, m.Laws, 3)
	assert.Equal(t, EnergyGraduated, m.Energy.Enforcement)

	law, ok := m.LawByID("law.audit")
	require.True(t, ok)
	assert.Equal(t, EnforcementCritical, law.EnforcementLevel)
}

func TestParse_PSSSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, sig := signDoc(t, testManifestDoc(), key, AlgRSAPSS)
	_, err = Parse(raw, sig, &key.PublicKey)
	assert.NoError(t, err)
}

func TestParse_ECDSASignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc := testManifestDoc()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	canonical, err := canonicalize.JCS(doc)
	require.NoError(t, err)
	digest := sha256.Sum256(canonical)
	sigBytes, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	sig := DetachedSignature{Algorithm: AlgECDSA, Signature: base64.StdEncoding.EncodeToString(sigBytes)}
	_, err = Parse(raw, sig, &key.PublicKey)
	assert.NoError(t, err)
}

func TestParse_WrongKeyFails(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, sig := signDoc(t, testManifestDoc(), key, AlgRSAPKCS1v15)

	_, err = Parse(raw, sig, &other.PublicKey)
	require.Error(t, err)
	var sie *SystemIntegrityError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, "signature", sie.Check)
}

func TestParse_TamperedDocumentFails(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	doc := testManifestDoc()
	_, sig := signDoc(t, doc, key, AlgRSAPKCS1v15)

	doc["energy"] = map[string]any{"budget_kwh": 500.0, "enforcement": "monitor"}
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = Parse(tampered, sig, &key.PublicKey)
	var sie *SystemIntegrityError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, "signature", sie.Check)
}

func TestParse_SchemaViolation(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	doc := testManifestDoc()
	doc["energy"] = map[string]any{"budget_kwh": 0.5, "enforcement": "yolo"}
	raw, sig := signDoc(t, doc, key, AlgRSAPKCS1v15)

	_, err = Parse(raw, sig, &key.PublicKey)
	var sie *SystemIntegrityError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, "schema", sie.Check)
}

func TestParse_ConflictResolutionMustCoverAllLaws(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cases := map[string][]string{
		"missing law":   {"law.audit", "law.fairness"},
		"duplicate law": {"law.audit", "law.audit", "law.energy"},
		"unknown law":   {"law.audit", "law.fairness", "law.unknown"},
	}
	for name, order := range cases {
		t.Run(name, func(t *testing.T) {
			doc := testManifestDoc()
			doc["conflict_resolution"] = order
			raw, sig := signDoc(t, doc, key, AlgRSAPKCS1v15)

			_, err := Parse(raw, sig, &key.PublicKey)
			var sie *SystemIntegrityError
			require.ErrorAs(t, err, &sie)
			assert.Equal(t, "conflict_resolution", sie.Check)
		})
	}
}

func TestParse_BadSemver(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	doc := testManifestDoc()
	doc["version"] = "not-a-version"
	raw, sig := signDoc(t, doc, key, AlgRSAPKCS1v15)

	_, err = Parse(raw, sig, &key.PublicKey)
	var sie *SystemIntegrityError
	require.ErrorAs(t, err, &sie)
}

func TestLoad_FromDisk(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, sig := signDoc(t, testManifestDoc(), key, AlgRSAPKCS1v15)
	dir := t.TempDir()
	path := filepath.Join(dir, "laws.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	sigRaw, err := json.Marshal(sig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(SigPath(path), sigRaw, 0o600))

	m, err := Load(path, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"law.audit", "law.fairness", "law.energy"}, m.ConflictResolution)
}

func TestLoad_MissingSignatureIsFatal(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, _ := signDoc(t, testManifestDoc(), key, AlgRSAPKCS1v15)
	dir := t.TempDir()
	path := filepath.Join(dir, "laws.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = Load(path, &key.PublicKey)
	var sie *SystemIntegrityError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, "signature", sie.Check)
}
