package cmd

import (
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name, version, commit, buildDate string
	}{
		{"release", "1.0.0", "abc123", "2026-10-01"},
		{"dev", "dev", "HEAD", "unknown"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid --format value", assert.AnError)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "Invalid --format value")
	assert.Contains(t, err.Error(), "exit code")
	assert.ErrorIs(t, err, assert.AnError)

	var ce *codedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int(foundry.ExitInvalidArgument), ce.code)

	assert.Contains(t, exitError(3, "no cause", nil).Error(), "no cause")
}

func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "tasks", "version", "doctor"} {
		assert.True(t, names[want], "missing %s", want)
	}

	for _, flag := range []string{"config", "log-level", "verbose"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}
