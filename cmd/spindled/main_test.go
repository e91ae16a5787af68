package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/internal/config"
	"github.com/juanpablocruz/spindle/pkg/node"
)

func TestOptionsBuildRootDaemon(t *testing.T) {
	fs := newFlags()
	require.NoError(t, fs.Parse([]string{
		"--hostname=node001", "--hosts=node001,node002",
		"--mode=pull", "--fanout=2", "--location=" + t.TempDir(),
	}))
	c, err := config.Load("", fs)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"node001", "node002"}, c.Hosts)

	opts, err := options(c, zap.NewNop())
	require.NoError(t, err)
	n, err := node.New(c.Hostname, opts...)
	require.NoError(t, err)
	assert.Equal(t, "node001", n.Identity().Hostname)
}

func TestRunRejectsBadConfig(t *testing.T) {
	err := run(context.Background(), []string{"--hostname=a", "--mode=flood"})
	assert.ErrorContains(t, err, "invalid config")
}
