// Package signature verifies HMAC signatures on webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strings"

	"github.com/inkeep/agents-run/internal/trigger/models"
)

// Payload assembles the signed bytes for a delivery: the configured
// components resolved against the request, joined in order.
func Payload(cfg *models.SignatureConfig, headers http.Header, body []byte) ([]byte, error) {
	parts := make([]string, 0, len(cfg.Components))
	for _, c := range cfg.Components {
		switch c.Kind {
		case models.ComponentLiteral:
			parts = append(parts, c.Value)
		case models.ComponentHeader:
			v := headers.Get(c.Value)
			if v == "" {
				return nil, fmt.Errorf("signature component header %q missing", c.Value)
			}
			parts = append(parts, v)
		case models.ComponentBody:
			parts = append(parts, string(body))
		default:
			return nil, fmt.Errorf("unknown signature component kind %q", c.Kind)
		}
	}
	return []byte(strings.Join(parts, cfg.JoinWith)), nil
}

// Sign computes the encoded HMAC digest of payload under secret,
// including the configured prefix. Used by tests and by outbound
// deliveries that must produce provider-compatible signatures.
func Sign(cfg *models.SignatureConfig, secret string, payload []byte) (string, error) {
	h, err := newHash(cfg.Algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	digest := mac.Sum(nil)

	var encoded string
	switch cfg.Encoding {
	case models.EncodingBase64:
		encoded = base64.StdEncoding.EncodeToString(digest)
	case models.EncodingHex, "":
		encoded = hex.EncodeToString(digest)
	default:
		return "", fmt.Errorf("unknown signature encoding %q", cfg.Encoding)
	}
	return cfg.Prefix + encoded, nil
}

// Verify checks the delivery's signature header against the expected
// digest. The comparison is constant-time.
func Verify(cfg *models.SignatureConfig, secret string, headers http.Header, body []byte) (bool, error) {
	provided := headers.Get(cfg.Header)
	if provided == "" {
		return false, nil
	}

	payload, err := Payload(cfg, headers, body)
	if err != nil {
		return false, err
	}
	expected, err := Sign(cfg, secret, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(provided), []byte(expected)), nil
}

func newHash(alg models.HashAlgorithm) (func() hash.Hash, error) {
	switch alg {
	case models.AlgorithmSHA1:
		return sha1.New, nil
	case models.AlgorithmSHA256, "":
		return sha256.New, nil
	case models.AlgorithmSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unknown signature algorithm %q", alg)
	}
}
