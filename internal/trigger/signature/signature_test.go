package signature

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-run/internal/trigger/models"
)

func TestSignVerifyRoundTripAllCombinations(t *testing.T) {
	body := []byte(`{"action":"opened","number":42}`)
	secret := "webhook-secret"

	algorithms := []models.HashAlgorithm{models.AlgorithmSHA1, models.AlgorithmSHA256, models.AlgorithmSHA512}
	encodings := []models.SignatureEncoding{models.EncodingHex, models.EncodingBase64}

	for _, alg := range algorithms {
		for _, enc := range encodings {
			t.Run(fmt.Sprintf("%s_%s", alg, enc), func(t *testing.T) {
				cfg := &models.SignatureConfig{
					Header:     "X-Signature",
					Algorithm:  alg,
					Encoding:   enc,
					Components: []models.Component{{Kind: models.ComponentBody}},
				}

				payload, err := Payload(cfg, http.Header{}, body)
				require.NoError(t, err)
				signed, err := Sign(cfg, secret, payload)
				require.NoError(t, err)

				headers := http.Header{}
				headers.Set("X-Signature", signed)
				ok, err := Verify(cfg, secret, headers, body)
				require.NoError(t, err)
				assert.True(t, ok)

				// A single flipped byte in the body breaks verification.
				tampered := append([]byte(nil), body...)
				tampered[0] ^= 0x01
				ok, err = Verify(cfg, secret, headers, tampered)
				require.NoError(t, err)
				assert.False(t, ok)
			})
		}
	}
}

func TestGitHubStyleSignature(t *testing.T) {
	// hash(body) with "sha256=" prefix, hex encoded.
	cfg := &models.SignatureConfig{
		Header:     "X-Hub-Signature-256",
		Prefix:     "sha256=",
		Algorithm:  models.AlgorithmSHA256,
		Encoding:   models.EncodingHex,
		Components: []models.Component{{Kind: models.ComponentBody}},
	}
	body := []byte(`{"zen":"Design for failure."}`)

	signed, err := Sign(cfg, "s3cret", body)
	require.NoError(t, err)
	assert.Contains(t, signed, "sha256=")

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", signed)
	ok, err := Verify(cfg, "s3cret", headers, body)
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong secret fails.
	ok, err = Verify(cfg, "other", headers, body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimestampedComponentScheme(t *testing.T) {
	// hash("v0" : timestamp-header : body) joined with ":", like Slack.
	cfg := &models.SignatureConfig{
		Header:    "X-Request-Signature",
		Prefix:    "v0=",
		Algorithm: models.AlgorithmSHA256,
		Encoding:  models.EncodingHex,
		Components: []models.Component{
			{Kind: models.ComponentLiteral, Value: "v0"},
			{Kind: models.ComponentHeader, Value: "X-Request-Timestamp"},
			{Kind: models.ComponentBody},
		},
		JoinWith: ":",
	}
	body := []byte(`{"event":"ping"}`)

	headers := http.Header{}
	headers.Set("X-Request-Timestamp", "1724668800")

	payload, err := Payload(cfg, headers, body)
	require.NoError(t, err)
	assert.Equal(t, "v0:1724668800:"+string(body), string(payload))

	signed, err := Sign(cfg, "secret", payload)
	require.NoError(t, err)
	headers.Set("X-Request-Signature", signed)

	ok, err := Verify(cfg, "secret", headers, body)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replayed with a different timestamp the signature no longer matches.
	headers.Set("X-Request-Timestamp", "1724668801")
	ok, err = Verify(cfg, "secret", headers, body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayloadMissingHeaderComponent(t *testing.T) {
	cfg := &models.SignatureConfig{
		Components: []models.Component{{Kind: models.ComponentHeader, Value: "X-Timestamp"}},
	}
	_, err := Payload(cfg, http.Header{}, nil)
	assert.Error(t, err)
}

func TestVerifyMissingSignatureHeader(t *testing.T) {
	cfg := &models.SignatureConfig{
		Header:     "X-Signature",
		Algorithm:  models.AlgorithmSHA256,
		Encoding:   models.EncodingHex,
		Components: []models.Component{{Kind: models.ComponentBody}},
	}
	ok, err := Verify(cfg, "secret", http.Header{}, []byte("{}"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckHeaders(t *testing.T) {
	entries := []models.HeaderAuth{
		{Name: "X-Api-Key", Salt: "salt-1", Hash: HashHeaderValue("salt-1", "expected-key")},
	}

	headers := http.Header{}
	result, name := CheckHeaders(entries, headers)
	assert.Equal(t, HeaderMissing, result)
	assert.Equal(t, "X-Api-Key", name)

	headers.Set("X-Api-Key", "wrong-key")
	result, _ = CheckHeaders(entries, headers)
	assert.Equal(t, HeaderMismatch, result)

	headers.Set("X-Api-Key", "expected-key")
	result, _ = CheckHeaders(entries, headers)
	assert.Equal(t, HeadersOK, result)
}
