package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_IsAllowed(t *testing.T) {
	t.Parallel()

	gate := NewGate(DefaultExtensions)
	tests := []struct {
		filename string
		want     bool
	}{
		{"photo.png", true},
		{"photo.PNG", true},
		{"photo.jpg", true},
		{"photo.JpEg", true},
		{"photo.webp", true},
		{"archive.tar.png", true},
		{".png", true},
		{"photo.gif", false},
		{"photo.bmp", false},
		{"photo", false},
		{"photo.", false},
		{"", false},
		{"png", false},
		{"photo.png.exe", false},
		{"dir.png/readme", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, gate.IsAllowed(tt.filename))
		})
	}
}

func TestNewGate_NormalisesExtensions(t *testing.T) {
	t.Parallel()

	gate := NewGate([]string{".GIF", " bmp ", ""})
	assert.True(t, gate.IsAllowed("a.gif"))
	assert.True(t, gate.IsAllowed("a.BMP"))
	assert.False(t, gate.IsAllowed("a.png"))
}
