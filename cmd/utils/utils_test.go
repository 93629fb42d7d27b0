package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"sftp://alice@example.com:2222/srv/data", Target{Name: "example.com", User: "alice", Host: "example.com", Port: 2222, Path: "/srv/data", URL: true}},
		{"sftp://example.com", Target{Name: "example.com", Host: "example.com", Path: ".", URL: true}},
		{"sftp://[::1]:22/tmp", Target{Name: "::1", Host: "::1", Port: 22, Path: "/tmp", URL: true}},
		{"web1:/var/log", Target{Name: "web1", Host: "web1", Path: "/var/log"}},
		{"bob@db:", Target{Name: "bob@db", User: "bob", Host: "db", Path: "."}},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseTargetInvalid(t *testing.T) {
	for _, in := range []string{"no-colon", ":/path", "sftp://host:99999/x", "sftp:///path"} {
		_, err := ParseTarget(in)
		assert.Error(t, err, in)
	}
}

func TestParsePort(t *testing.T) {
	assert.Equal(t, 22, ParsePort("22"))
	assert.Equal(t, 0, ParsePort(""))
	assert.Equal(t, 0, ParsePort("abc"))
	assert.Equal(t, 0, ParsePort("70000"))
}
