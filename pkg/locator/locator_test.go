package locator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		ref         string
		want        Target
		wantErr     error
		errContains string
	}{
		{
			name: "generic container URL",
			ref:  "https://platform/containers/111/222",
			want: Target{ContainerID: "111", MessageID: "222"},
		},
		{
			name: "discord message link",
			ref:  "https://discord.com/channels/100/200/300",
			want: Target{ContainerID: "200", MessageID: "300"},
		},
		{
			name: "surrounding whitespace",
			ref:  "  https://discord.com/channels/100/200/300\n",
			want: Target{ContainerID: "200", MessageID: "300"},
		},
		{
			name: "trailing slash",
			ref:  "https://discord.com/channels/100/200/300/",
			want: Target{ContainerID: "200", MessageID: "300"},
		},
		{
			name: "query string ignored",
			ref:  "https://ptb.discord.com/channels/1/2/3?foo=bar",
			want: Target{ContainerID: "2", MessageID: "3"},
		},
		{
			name:        "not a url",
			ref:         "not-a-url",
			wantErr:     ErrInvalidReference,
			errContains: "not an http(s) URL",
		},
		{
			name:        "empty",
			ref:         "   ",
			wantErr:     ErrInvalidReference,
			errContains: "empty",
		},
		{
			name:        "missing host",
			ref:         "https:///channels/1/2/3",
			wantErr:     ErrInvalidReference,
			errContains: "missing host",
		},
		{
			name:        "too few segments",
			ref:         "https://discord.com/111/222",
			wantErr:     ErrInvalidReference,
			errContains: "at least 3",
		},
		{
			name:        "non numeric message id",
			ref:         "https://discord.com/channels/1/2/abc",
			wantErr:     ErrInvalidReference,
			errContains: "message id",
		},
		{
			name:        "non numeric container id",
			ref:         "https://discord.com/channels/1/x/3",
			wantErr:     ErrInvalidReference,
			errContains: "container id",
		},
		{
			name:        "unsupported scheme",
			ref:         "ftp://discord.com/channels/1/2/3",
			wantErr:     ErrInvalidReference,
			errContains: "ftp://",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.ref)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocator_AllowedHosts(t *testing.T) {
	l, err := New(Options{AllowedHosts: []string{"discord.com", "*.discord.com", " DiscordApp.com "}})
	require.NoError(t, err)

	for _, ref := range []string{
		"https://discord.com/channels/1/2/3",
		"https://canary.discord.com/channels/1/2/3",
		"https://discordapp.com/channels/1/2/3",
	} {
		_, err := l.Parse(ref)
		assert.NoError(t, err, ref)
	}

	_, err = l.Parse("https://evil.example/channels/1/2/3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostNotAllowed)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{AllowedHosts: []string{"[discord.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid host pattern")

	_, err = New(Options{MinPathSegments: 1})
	require.Error(t, err)

	l, err := New(Options{MinPathSegments: 2})
	require.NoError(t, err)
	got, err := l.Parse("https://host/5/6")
	require.NoError(t, err)
	assert.Equal(t, Target{ContainerID: "5", MessageID: "6"}, got)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", []string{}},
		{"single", "a", []string{"a"}},
		{"spaces", "a b  c", []string{"a", "b", "c"}},
		{"commas", "a,b,,c", []string{"a", "b", "c"}},
		{"mixed", " a,\nb\r\n c\t,d ", []string{"a", "b", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.input)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBatch_IndependentEntries(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)

	entries := l.ParseBatch("https://discord.com/channels/1/2/3, not-a-url\nhttps://platform/containers/111/222")
	require.Len(t, entries, 3)

	assert.True(t, entries[0].Valid())
	assert.Equal(t, Target{ContainerID: "2", MessageID: "3"}, entries[0].Target)

	assert.False(t, entries[1].Valid())
	assert.Equal(t, "not-a-url", entries[1].Reference)
	assert.ErrorIs(t, entries[1].Err, ErrInvalidReference)

	assert.True(t, entries[2].Valid())
	assert.Equal(t, "111/222", entries[2].Target.String())
}
