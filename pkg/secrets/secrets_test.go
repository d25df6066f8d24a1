package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/pkg/crypto"
	"crisis-intervention/backend/pkg/logger"
)

func TestVaultManager_DisabledReadsEnvironment(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MESSAGE_MASTER_KEY", crypto.EncodeKey(key))

	m, err := NewVaultManager(VaultConfig{Enabled: false}, logger.Discard())
	require.NoError(t, err)

	got, err := MasterKey(context.Background(), m, "message-master-key")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestVaultManager_MissingSecret(t *testing.T) {
	m, err := NewVaultManager(VaultConfig{Enabled: false}, logger.Discard())
	require.NoError(t, err)

	_, err = m.GetSecret(context.Background(), "definitely-not-set")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, "fallback", m.GetSecretWithDefault(context.Background(), "definitely-not-set", "fallback"))
}

func TestVaultManager_RequiresAddressAndToken(t *testing.T) {
	_, err := NewVaultManager(VaultConfig{Enabled: true, Token: "t"}, logger.Discard())
	assert.ErrorIs(t, err, ErrNoVaultAddress)

	_, err = NewVaultManager(VaultConfig{Enabled: true, Address: "http://127.0.0.1:8200"}, logger.Discard())
	assert.ErrorIs(t, err, ErrNoVaultToken)
}

func TestVaultManager_ReadsKVv2AndCaches(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/v1/secret/data/crisis-pipeline", r.URL.Path)
		assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]any{"message-master-key": crypto.EncodeKey(key)},
				"metadata": map[string]any{
					"created_time":    "2024-01-01T00:00:00Z",
					"deletion_time":   "",
					"destroyed":       false,
					"version":         1,
					"custom_metadata": nil,
				},
			},
		})
	}))
	defer srv.Close()

	m, err := NewVaultManager(VaultConfig{
		Enabled:     true,
		Address:     srv.URL,
		Token:       "root-token",
		SecretsPath: "crisis-pipeline",
		Timeout:     time.Second,
	}, logger.Discard())
	require.NoError(t, err)

	got, err := MasterKey(context.Background(), m, "message-master-key")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = MasterKey(context.Background(), m, "message-master-key")
	require.NoError(t, err)
	assert.EqualValues(t, 1, requests.Load())
}

type staticManager map[string]string

func (s staticManager) GetSecret(_ context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (s staticManager) GetSecretWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.GetSecret(ctx, key); err == nil {
		return v
	}
	return def
}

func TestMasterKey_RejectsMalformedKey(t *testing.T) {
	_, err := MasterKey(context.Background(), staticManager{"k": "c2hvcnQ="}, "k")
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}
