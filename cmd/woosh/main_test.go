package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/layer-3/woosh/config"
	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/crypto/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.JWTSecret = "0123456789abcdef"
	return cfg
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := testConfig()
	var cmd = keygenCmd(cfg)
	switch args[0] {
	case "token":
		cmd = tokenCmd(cfg)
	}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args[1:])
	err := cmd.Execute()
	return out.String(), err
}

func fields(out string) map[string]string {
	m := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok {
			m[k] = strings.TrimSpace(v)
		}
	}
	return m
}

func TestKeygen(t *testing.T) {
	out, err := runCmd(t, "keygen")
	require.NoError(t, err)

	f := fields(out)
	group := dhkex.RFC3526Group14()
	_, err = group.ParsePublic(f["public"])
	assert.NoError(t, err)
	assert.NotContains(t, f, "key")
}

func TestKeygenDerivesKey(t *testing.T) {
	group := dhkex.RFC3526Group14()
	server, err := group.GenerateKeyPair(nil)
	require.NoError(t, err)

	out, err := runCmd(t, "keygen", "--server-public", server.PublicHex())
	require.NoError(t, err)
	f := fields(out)

	secret, err := group.SharedSecret(server.Private, f["public"])
	require.NoError(t, err)
	want, err := kdf.DefaultParams().DeriveSessionKey(secret)
	require.NoError(t, err)
	assert.Equal(t, seal.EncodeBlob(want), f["key"])
}

func TestKeygenRejectsBadServerKey(t *testing.T) {
	_, err := runCmd(t, "keygen", "--server-public", "1")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := runCmd(t, "token", "alice", "--email", "alice@example.com")
	require.NoError(t, err)

	identity, err := newTokenizer(testConfig()).TokenToIdentity(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, "alice@example.com", identity.Email)
}

func TestOpenMemoryBackend(t *testing.T) {
	cfg := testConfig()
	logger, err := newLogger(cfg)
	require.NoError(t, err)

	b, err := openBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.NoError(t, b.store.Ping(context.Background()))
	assert.NoError(t, b.Close())
}

func TestOpenRedisBackendBadURL(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = config.BackendRedis
	cfg.RedisURL = "not a url"
	logger, err := newLogger(cfg)
	require.NoError(t, err)

	_, err = openBackend(context.Background(), cfg, logger)
	assert.Error(t, err)
}
