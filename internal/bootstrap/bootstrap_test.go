package bootstrap

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adminease/internal/auth"
	"adminease/internal/config"
	"adminease/internal/tokens"
)

func testConfig(store string) config.Config {
	return config.Config{
		Auth: config.AuthConfig{
			JWTSecret:       base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), auth.MinKeyBytes)),
			AccessTokenTTL:  time.Minute,
			RefreshTokenTTL: time.Hour,
		},
		Tokens: config.TokensConfig{Store: store},
	}
}

func quietLog() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func TestWire_SelectsStore(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cases := map[string]any{
		config.StorePostgres: &tokens.PostgresStore{},
		config.StoreRedis:    &tokens.RedisStore{},
		config.StoreMemory:   &tokens.MemoryStore{},
	}
	for store, want := range cases {
		t.Run(store, func(t *testing.T) {
			app, err := Wire(testConfig(store), db, rdb, quietLog())
			require.NoError(t, err)
			assert.IsType(t, want, app.Store)
			assert.NotNil(t, app.Auth)
			assert.NotNil(t, app.Reaper)
			assert.NotNil(t, app.Users)
		})
	}
}

func TestWire_Errors(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = Wire(testConfig(config.StoreRedis), db, nil, quietLog())
	assert.Error(t, err)

	_, err = Wire(testConfig("etcd"), db, nil, quietLog())
	assert.Error(t, err)

	cfg := testConfig(config.StoreMemory)
	cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = Wire(cfg, db, nil, quietLog())
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestClose_NilSafe(t *testing.T) {
	var app *App
	assert.NoError(t, app.Close())
}
