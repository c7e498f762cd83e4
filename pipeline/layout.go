package pipeline

import (
	"fmt"
	"os"
)

// EnsureLayout creates the working directories the pipeline writes to. It is
// safe to call repeatedly; any error should abort startup.
func EnsureLayout(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
