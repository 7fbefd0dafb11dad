package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "peekaboo dev\n", out.String())
}

func TestRootFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", "/etc/peekaboo.yaml", "-d", "-D"}))

	flags := cmd.Flags()
	path, err := flags.GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "/etc/peekaboo.yaml", path)

	debug, err := flags.GetBool("debug")
	require.NoError(t, err)
	assert.True(t, debug)

	daemon, err := flags.GetBool("daemon")
	require.NoError(t, err)
	assert.True(t, daemon)
}

func TestRootFlagDefaults(t *testing.T) {
	cmd := newRootCmd()
	path, err := cmd.Flags().GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "./peekaboo.yaml", path)
}
