package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "cgmrig", cmd.Use)

	for _, name := range []string{"serve", "check"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	for _, name := range []string{"config", "transmitter-id", "session-command", "storage", "sqlite-path", "nightscout-url", "port", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestCheck_FlagsOnly(t *testing.T) {
	out, err := runCommand(t, "check", "--session-command", "cgm-session", "--transmitter-id", "8G1234", "--port", "9100")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
	assert.Contains(t, out, `"8G1234" via cgm-session`)
	assert.Contains(t, out, "sync:        disabled")
	assert.Contains(t, out, ":9100")
}

func TestCheck_MissingCommand(t *testing.T) {
	_, err := runCommand(t, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transmitter.command")
}

func TestCheck_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cgmrig.yaml")
	content := `transmitter:
  id: 8G0000
  command: cgm-session
nightscout:
  url: https://ns.example.com
http:
  port: 8100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	out, err := runCommand(t, "check", "--config", path, "--transmitter-id", "8G9999")
	require.NoError(t, err)
	assert.Contains(t, out, `"8G9999"`)
	assert.Contains(t, out, "https://ns.example.com every 5m0s")
	assert.Contains(t, out, ":8100")
}

func TestCheck_InvalidOverride(t *testing.T) {
	_, err := runCommand(t, "check", "--session-command", "x", "--storage", "redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.type")
}
