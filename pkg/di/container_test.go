package di

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"crisis-intervention/backend/internal/events"
	"crisis-intervention/backend/internal/models"
	"crisis-intervention/backend/internal/notify"
	"crisis-intervention/backend/internal/persistence"
	"crisis-intervention/backend/pkg/config"
	"crisis-intervention/backend/pkg/crypto"
	"crisis-intervention/backend/pkg/logger"
	"crisis-intervention/backend/pkg/secrets"
)

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(_ context.Context, key string) (string, error) {
	if v, ok := s[key]; ok {
		return v, nil
	}
	return "", secrets.ErrSecretNotFound
}

func (s staticSecrets) GetSecretWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.GetSecret(ctx, key); err == nil {
		return v
	}
	return def
}

func baseConfig() *config.Config {
	cfg := config.Load()
	cfg.Database.Enabled = false
	cfg.Redis.Enabled = false
	cfg.AMQP.Enabled = false
	cfg.Vault.Enabled = false
	cfg.Encryption.Enabled = false
	cfg.Crisis.TiersFile = ""
	return cfg
}

func TestNew_InMemoryDefaults(t *testing.T) {
	c, err := New(context.Background(), baseConfig(), logger.Discard())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.Nil(t, c.Keys)
	assert.IsType(t, events.Nop{}, c.Events)
	assert.IsType(t, &notify.LogNotifier{}, c.Notifier)
	assert.NotNil(t, c.Hub)
	assert.Equal(t, models.CrisisCritical, c.Classifier.Classify("I want to kill myself"))

	list, err := c.Registry.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNew_WiresCollaborators(t *testing.T) {
	mr := miniredis.RunT(t)
	db, err := gorm.Open(gormsqlite.Open(filepath.Join(t.TempDir(), "crisis.db")), &gorm.Config{})
	require.NoError(t, err)
	master, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Encryption.Enabled = true

	c, err := New(context.Background(), cfg, logger.Discard(),
		WithDB(db),
		WithSecrets(staticSecrets{cfg.Encryption.KeyName: crypto.EncodeKey(master)}),
	)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.Keys)
	assert.IsType(t, &events.RedisPublisher{}, c.Events)

	ctx := context.Background()
	_, _, err = c.Store.GetOrCreate(ctx, "s1", "")
	require.NoError(t, err)
	rec, err := persistence.NewGorm(db).Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "en", rec.Language)

	c.Health.RunChecks(ctx)
	assert.True(t, c.Health.IsSystemHealthy())
}

func TestNew_EphemeralKeyOutsideProduction(t *testing.T) {
	cfg := baseConfig()
	cfg.Encryption.Enabled = true
	cfg.Server.Env = "development"

	c, err := New(context.Background(), cfg, logger.Discard(), WithSecrets(staticSecrets{}))
	require.NoError(t, err)
	defer c.Close()
	assert.NotNil(t, c.Keys)

	cfg.Server.Env = "production"
	_, err = New(context.Background(), cfg, logger.Discard(), WithSecrets(staticSecrets{}))
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)
}
