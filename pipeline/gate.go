package pipeline

import (
	"path/filepath"
	"strings"
)

// DefaultExtensions is the image allow-set used when none is configured.
var DefaultExtensions = []string{"png", "jpg", "jpeg", "webp"}

// Gate decides by extension whether an uploaded file is accepted.
type Gate struct {
	allowed map[string]struct{}
}

// NewGate builds a Gate for exts. Entries are case-insensitive and may carry a
// leading dot.
func NewGate(exts []string) *Gate {
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}
	return &Gate{allowed: allowed}
}

func (g *Gate) IsAllowed(filename string) bool {
	ext := filepath.Ext(filename)
	if len(ext) < 2 {
		return false
	}
	_, ok := g.allowed[strings.ToLower(ext[1:])]
	return ok
}
