package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"adega/backend/internal/cache"
	"adega/backend/internal/config"
	"adega/backend/internal/store/memory"
)

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"short secret", config.Config{AuthSecret: "short", ManagerPIN: "739154"}, true},
		{"common pin", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "123456"}, true},
		{"repeated digit", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "888888"}, true},
		{"descending", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "987654"}, true},
		{"strong", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSecurityConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOpenRepositoryDefaultsToMemory(t *testing.T) {
	repo, closers, err := openRepository(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, closers)
	assert.IsType(t, &memory.Store{}, repo)
}

func TestOpenReportCache(t *testing.T) {
	log := zap.NewNop()

	noop, closeFn := openReportCache(context.Background(), config.Config{}, log)
	assert.IsType(t, cache.NoopReportCache{}, noop)
	assert.Nil(t, closeFn)

	down, closeFn := openReportCache(context.Background(), config.Config{RedisAddr: "127.0.0.1:1"}, log)
	assert.IsType(t, cache.NoopReportCache{}, down)
	assert.Nil(t, closeFn)

	mr := miniredis.RunT(t)
	live, closeFn := openReportCache(context.Background(), config.Config{RedisAddr: mr.Addr()}, log)
	require.NotNil(t, closeFn)
	assert.IsType(t, &cache.RedisReportCache{}, live)
	assert.NoError(t, closeFn())
}
