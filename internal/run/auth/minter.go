// Package auth mints execution-scoped bearer tokens for cross-agent calls.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenMinter issues bearer tokens for sub-agent calls. When an execution
// is part of a team-delegation chain, every hop needs a fresh token bound
// to (origin agent, target sub-agent); an inherited token carries the
// wrong audience claim for the next hop.
type TokenMinter interface {
	MintDelegationToken(ctx context.Context, originAgentID, targetSubAgentID string) (string, error)
}

// Claims is the payload signed into a delegation token.
type Claims struct {
	OriginAgentID    string `json:"origin_agent_id"`
	TargetSubAgentID string `json:"target_sub_agent_id"`
	Audience         string `json:"aud"`
	IssuedAt         int64  `json:"iat"`
	ExpiresAt        int64  `json:"exp"`
}

// HMACMinter signs compact delegation tokens with a shared key. Suitable
// for single-cluster deployments; an external identity provider can be
// dropped in behind the TokenMinter interface.
type HMACMinter struct {
	key []byte
	ttl time.Duration
}

// NewHMACMinter creates a minter with the given signing key.
func NewHMACMinter(key string, ttl time.Duration) *HMACMinter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HMACMinter{key: []byte(key), ttl: ttl}
}

// MintDelegationToken issues a fresh token scoped to one delegation hop.
func (m *HMACMinter) MintDelegationToken(ctx context.Context, originAgentID, targetSubAgentID string) (string, error) {
	if originAgentID == "" || targetSubAgentID == "" {
		return "", fmt.Errorf("delegation token requires origin agent and target sub-agent")
	}

	now := time.Now().UTC()
	claims := Claims{
		OriginAgentID:    originAgentID,
		TargetSubAgentID: targetSubAgentID,
		Audience:         targetSubAgentID,
		IssuedAt:         now.Unix(),
		ExpiresAt:        now.Add(m.ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return encoded + "." + sig, nil
}

// VerifyDelegationToken checks the signature and expiry of a token and
// returns its claims.
func (m *HMACMinter) VerifyDelegationToken(token string) (*Claims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return nil, fmt.Errorf("malformed token")
	}
	encoded, sig := token[:dot], token[dot+1:]

	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(encoded))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, fmt.Errorf("invalid token signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed token payload")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("malformed token claims")
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	return &claims, nil
}
