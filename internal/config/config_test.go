package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := New()
	v.Set("authority.url", "https://pce.example.com:8443")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Authority.OrgID)
	assert.Equal(t, 60*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, 2.0, cfg.Authority.RateLimit)
	assert.Equal(t, 100, cfg.Resolver.BatchSize)
	assert.True(t, cfg.Resolver.Boundary)
	assert.False(t, cfg.Resolver.Parallel)
	assert.Equal(t, "/orgs/1/sec_policy/draft/ip_lists/1", cfg.Resolver.CatchAllIPList)
	assert.Equal(t, "none", cfg.Catalog.Provider)
	assert.Equal(t, 10*time.Minute, cfg.Catalog.CacheTTL)
	assert.Equal(t, 100, cfg.Log.MaxSize)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowresolver.yaml")
	doc := `
authority:
  url: https://pce.example.com
  org_id: 7
  timeout: 5s
resolver:
  batch_size: 25
  boundary: false
catalog:
  provider: file
  path: /tmp/catalog.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("FLOWRESOLVER_AUTHORITY_API_KEY", "api_key_from_env")
	t.Setenv("FLOWRESOLVER_RESOLVER_BATCH_SIZE", "50")

	v := New()
	require.NoError(t, ReadFile(v, path))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Authority.OrgID)
	assert.Equal(t, 5*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, "api_key_from_env", cfg.Authority.APIKey)
	assert.Equal(t, 50, cfg.Resolver.BatchSize, "environment overrides the file")
	assert.False(t, cfg.Resolver.Boundary)
	assert.Equal(t, "/tmp/catalog.yaml", cfg.Catalog.Path)
}

func TestReadFileMissing(t *testing.T) {
	v := New()
	err := ReadFile(v, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m map[string]any)
		wantErr string
	}{
		{name: "missing url", mutate: func(m map[string]any) { delete(m, "authority.url") }, wantErr: "authority.url"},
		{name: "zero batch", mutate: func(m map[string]any) { m["resolver.batch_size"] = 0 }, wantErr: "batch_size"},
		{name: "zero rate", mutate: func(m map[string]any) { m["authority.rate_limit"] = 0 }, wantErr: "rate_limit"},
		{name: "file without path", mutate: func(m map[string]any) { m["catalog.provider"] = "file" }, wantErr: "catalog.path"},
		{name: "mariadb without dsn", mutate: func(m map[string]any) { m["catalog.provider"] = "mariadb" }, wantErr: "catalog.dsn"},
		{name: "unknown provider", mutate: func(m map[string]any) { m["catalog.provider"] = "ldap" }, wantErr: "unknown catalog provider"},
		{name: "valid", mutate: func(map[string]any) {}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			values := map[string]any{"authority.url": "https://pce.example.com"}
			tc.mutate(values)

			v := New()
			for k, val := range values {
				v.Set(k, val)
			}
			_, err := Load(v)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
