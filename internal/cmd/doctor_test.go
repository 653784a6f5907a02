package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bot token", "MTA5ODc2NTQzMjEwOTg3NjU0Mw.Gx1234.abcdWXYZ", "****WXYZ"},
		{"four chars", "ABCD", "****"},
		{"short", "ABC", "****"},
		{"empty", "", "****"},
		{"five chars", "ABCDE", "****BCDE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskToken(tt.input))
		})
	}
}

func TestDoctor_FailsWithoutToken(t *testing.T) {
	seedRegistry(t)
	t.Setenv("UNREACT_DISCORD_TOKEN", "")

	_, err := run(t, "doctor")
	assert.Error(t, err)
}
