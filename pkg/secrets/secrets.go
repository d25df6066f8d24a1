package secrets

import (
	"context"
	"fmt"

	"crisis-intervention/backend/pkg/crypto"
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// MasterKey loads the base64 master encryption key stored under name
func MasterKey(ctx context.Context, m Manager, name string) ([]byte, error) {
	encoded, err := m.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ParseKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}
	return key, nil
}
