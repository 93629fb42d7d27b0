package sftpfs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/utils"
)

func TestConnectionsEqual(t *testing.T) {
	local := utils.LocalUsername()
	base := models.Descriptor{Host: "h"}

	tests := []struct {
		name  string
		a, b  models.Descriptor
		equal bool
	}{
		{"defaults match explicit", base, models.Descriptor{Host: "h", User: local, Port: 22}, true},
		{"identical", base, base, true},
		{"credentials ignored", base, models.Descriptor{Host: "h", Password: "x", KeyPath: "/k"}, true},
		{"host differs", base, models.Descriptor{Host: "h2"}, false},
		{"user differs", base, models.Descriptor{Host: "h", User: local + "x"}, false},
		{"port differs", base, models.Descriptor{Host: "h", Port: 2222}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, ConnectionsEqual(tt.a, tt.b))
			assert.Equal(t, tt.equal, ConnectionsEqual(tt.b, tt.a))
			assert.Equal(t, tt.equal, Key(tt.a) == Key(tt.b))
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "alice@example.com:22", Key(models.Descriptor{Host: "example.com", User: "alice"}))
	assert.Equal(t, "bob@[::1]:2222", Key(models.Descriptor{Host: "::1", User: "bob", Port: 2222}))
}
