package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 21940, c.Port)
	assert.Equal(t, 25, c.NumPorts)
	assert.Equal(t, "push", c.Mode)
	assert.Equal(t, "root", c.Policy)
	assert.Equal(t, "none", c.Security)
	assert.Equal(t, -1, c.Rank)
	assert.Equal(t, 30*time.Second, c.BootstrapTimeout)
	assert.NotEmpty(t, c.Location)
	require.NoError(t, c.Validate())
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, "spindle.yaml", `
hostname: node001
hosts: [node001, node002, node003]
port: 30000
mode: pull
fanout: 2
end_grace: 2s
`)
	t.Setenv("SPINDLE_PORT", "31000")
	t.Setenv("SPINDLE_POLICY", "range:2")

	fs := pflag.NewFlagSet("spindled", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.Int("port", 21940, "")
	fs.Int("num-ports", 25, "")
	require.NoError(t, fs.Parse([]string{"--num-ports=4"}))

	c, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"node001", "node002", "node003"}, c.Hosts)
	assert.Equal(t, 31000, c.Port, "env beats file when the flag is unset")
	assert.Equal(t, 4, c.NumPorts)
	assert.Equal(t, "pull", c.Mode)
	assert.Equal(t, 2, c.Fanout)
	assert.Equal(t, "range:2", c.Policy)
	assert.Equal(t, 2*time.Second, c.EndGrace)
	require.NoError(t, c.Validate())
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c, err := Load("", nil)
		require.NoError(t, err)
		c.Hostname = "a"
		return c
	}
	cases := map[string]func(*Config){
		"port":     func(c *Config) { c.Port = 70000 },
		"range":    func(c *Config) { c.Port, c.NumPorts = 65530, 10 },
		"mode":     func(c *Config) { c.Mode = "flood" },
		"policy":   func(c *Config) { c.Policy = "range:0" },
		"session":  func(c *Config) { c.Session = "not-a-uuid" },
		"security": func(c *Config) { c.Security = "munge" },
		"keyfile":  func(c *Config) { c.Security = "keyfile" },
		"hosts":    func(c *Config) { c.Hosts = []string{"b", "a"} },
		"fanout":   func(c *Config) { c.Fanout = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestKeyAndPreload(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)
	key, err := c.Key()
	require.NoError(t, err)
	assert.Nil(t, key)

	c.Security = "keyfile"
	c.Keyfile = writeFile(t, "key", "s3cret\n")
	key, err = c.Key()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), key)

	c.Preload = writeFile(t, "preload", "# libs\n/usr/lib/libfoo.so\n\n  /usr/lib/libbar.so  \n")
	paths, err := c.PreloadPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/lib/libfoo.so", "/usr/lib/libbar.so"}, paths)

	id, err := c.SessionID()
	require.NoError(t, err)
	assert.True(t, id.IsZero())
}
