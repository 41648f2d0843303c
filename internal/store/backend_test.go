package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rollcall/internal/config"
)

func TestOpenBackendMemory(t *testing.T) {
	b, err := OpenBackend(context.Background(), config.App{StoreBackend: "memory"}, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, b.InProcess())
	assert.True(t, b.Healthy(context.Background()))
	assert.NotNil(t, b.Store)
	assert.NoError(t, b.Close())
}

func TestRedisHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr(), "", 0)
	defer r.Close()
	assert.True(t, r.Healthy(context.Background()))

	mr.Close()
	assert.False(t, r.Healthy(context.Background()))

	var missing *Redis
	assert.False(t, missing.Healthy(context.Background()))
	assert.NoError(t, missing.Close())
}

func TestDBNilSafe(t *testing.T) {
	var d *DB
	assert.False(t, d.Healthy(context.Background()))
	assert.NoError(t, d.Close())
}
