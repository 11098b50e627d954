// Package credentials resolves credential references to secret material
// used for webhook signature verification.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Store fetches raw credential material by reference ID.
type Store interface {
	Get(ctx context.Context, credentialRefID string) (string, error)
}

// EnvStore reads credentials from environment variables. The reference
// ID is upper-cased, non-alphanumerics mapped to underscores, and
// prefixed, so ref "github-webhook" with prefix "INKEEP_CREDENTIAL_"
// reads INKEEP_CREDENTIAL_GITHUB_WEBHOOK.
type EnvStore struct {
	prefix string
}

func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = "INKEEP_CREDENTIAL_"
	}
	return &EnvStore{prefix: prefix}
}

func (s *EnvStore) Get(_ context.Context, credentialRefID string) (string, error) {
	name := s.prefix + sanitizeEnvName(credentialRefID)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("credential %q not found (env %s)", credentialRefID, name)
	}
	return value, nil
}

func sanitizeEnvName(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(ref) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// StaticStore serves credentials from a fixed map. Test helper.
type StaticStore struct {
	values map[string]string
}

func NewStaticStore(values map[string]string) *StaticStore {
	return &StaticStore{values: values}
}

func (s *StaticStore) Get(_ context.Context, credentialRefID string) (string, error) {
	value, ok := s.values[credentialRefID]
	if !ok {
		return "", fmt.Errorf("credential %q not found", credentialRefID)
	}
	return value, nil
}
