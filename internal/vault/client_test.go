package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault serves the two endpoints the client touches: the KV v2 data
// path and sys/health. It records what the client sent so tests can
// assert on token handling and read counts.
type fakeVault struct {
	srv       *httptest.Server
	reads     atomic.Int64
	lastToken atomic.Value
	sealed    atomic.Bool
	missing   atomic.Bool
}

func newFakeVault(t *testing.T) *fakeVault {
	f := &fakeVault{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"initialized": true,
			"sealed":      f.sealed.Load(),
			"standby":     false,
		})
	})
	mux.HandleFunc("/v1/secret/data/forex-executor", func(w http.ResponseWriter, r *http.Request) {
		f.lastToken.Store(r.Header.Get("X-Vault-Token"))
		f.reads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if f.missing.Load() {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"data":{
			"platform_token":   "pt-1",
			"jwt_secret":       "js-1",
			"operator_key":     "ok-1",
			"journal_password": "jp-1",
			"redis_password":   "rp-1"
		},"metadata":{"version":1}}}`))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVault) clientConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Address = f.srv.URL
	cfg.Token = "root-token"
	return cfg
}

func TestDisabledClientIsInert(t *testing.T) {
	client, err := NewClient(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, client.IsEnabled())

	secrets, err := client.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Secrets{}, secrets)

	_, err = client.Get(context.Background(), "jwt_secret")
	assert.ErrorContains(t, err, "vault is disabled")

	assert.NoError(t, client.Health(context.Background()))
}

func TestLoadMapsSecretBundle(t *testing.T) {
	fake := newFakeVault(t)
	client, err := NewClient(fake.clientConfig())
	require.NoError(t, err)
	require.True(t, client.IsEnabled())

	secrets, err := client.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pt-1", secrets.PlatformToken)
	assert.Equal(t, "js-1", secrets.JWTSecret)
	assert.Equal(t, "ok-1", secrets.OperatorKey)
	assert.Equal(t, "jp-1", secrets.JournalPassword)
	assert.Equal(t, "rp-1", secrets.RedisPassword)
	assert.Equal(t, "root-token", fake.lastToken.Load())
}

func TestGetCachesUntilCleared(t *testing.T) {
	fake := newFakeVault(t)
	client, err := NewClient(fake.clientConfig())
	require.NoError(t, err)

	value, err := client.Get(context.Background(), "jwt_secret")
	require.NoError(t, err)
	assert.Equal(t, "js-1", value)
	assert.EqualValues(t, 1, fake.reads.Load())

	value, err = client.Get(context.Background(), "jwt_secret")
	require.NoError(t, err)
	assert.Equal(t, "js-1", value)
	assert.EqualValues(t, 1, fake.reads.Load(), "second read should hit the cache")

	client.ClearCache()
	_, err = client.Get(context.Background(), "jwt_secret")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fake.reads.Load())
}

func TestLoadReportsMissingSecret(t *testing.T) {
	fake := newFakeVault(t)
	fake.missing.Store(true)
	client, err := NewClient(fake.clientConfig())
	require.NoError(t, err)

	_, err = client.Load(context.Background())
	assert.ErrorContains(t, err, "not found at secret/data/forex-executor")
}

func TestHealthReportsSealedVault(t *testing.T) {
	fake := newFakeVault(t)
	client, err := NewClient(fake.clientConfig())
	require.NoError(t, err)

	require.NoError(t, client.Health(context.Background()))

	fake.sealed.Store(true)
	err = client.Health(context.Background())
	assert.ErrorContains(t, err, "sealed")
}
