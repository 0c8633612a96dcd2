package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testConfig = `
name: dashboard-cache
version: 1.2.0
storage:
  enabled: true
  type: memory
upstreams:
  jikan:
    base_url: https://mirror.example/v4
    token: upstream-secret
middlewares:
  auth:
    enabled: true
    params:
      token: operator-secret
`

func runConfigCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(append([]string{"config"}, args...), "--config", path))

	err := root.Execute()
	return out.String(), err
}

func TestConfigCheck(t *testing.T) {
	out, err := runConfigCmd(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "dashboard-cache 1.2.0, 4 upstream(s), storage memory")
}

func TestConfigGetShowsMergedDefaults(t *testing.T) {
	out, err := runConfigCmd(t, "get", "upstreams.jikan")
	require.NoError(t, err)

	var jikan map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &jikan))
	assert.Equal(t, "https://mirror.example/v4", jikan["base_url"])
	assert.Equal(t, "1s", jikan["min_delay"])
	assert.Equal(t, redacted, jikan["token"])
}

func TestConfigGetRedactsNestedSecrets(t *testing.T) {
	out, err := runConfigCmd(t, "get", "middlewares.auth.params.token")
	require.NoError(t, err)
	assert.Equal(t, redacted+"\n", out)

	out, err = runConfigCmd(t, "get", "middlewares.auth.params.token", "--show-secrets")
	require.NoError(t, err)
	assert.Equal(t, "operator-secret\n", out)
}

func TestConfigGetUnknownPath(t *testing.T) {
	_, err := runConfigCmd(t, "get", "upstreams.nowhere")
	assert.Error(t, err)
}
