package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/segmentio/ksuid"
)

// Intake stages uploaded bytes in the intake directory.
type Intake struct {
	dir    string
	unique bool
}

// NewIntake returns an Intake writing into dir. When unique is set every
// staged name carries a fresh ksuid prefix, so concurrent uploads of the same
// filename never share a path.
func NewIntake(dir string, unique bool) *Intake {
	return &Intake{dir: dir, unique: unique}
}

func (in *Intake) Dir() string {
	return in.dir
}

// Name returns the staged file name for clientName.
func (in *Intake) Name(clientName string) (string, error) {
	name := SecureFilename(clientName)
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, clientName)
	}
	if in.unique {
		name = ksuid.New().String() + "_" + name
	}
	return name, nil
}

// Stage writes r to the intake directory under the sanitized clientName,
// replacing any file of that name. The path is returned even when writing
// fails so the caller can remove what was left behind.
func (in *Intake) Stage(r io.Reader, clientName string) (string, error) {
	name, err := in.Name(clientName)
	if err != nil {
		return "", err
	}

	path := filepath.Join(in.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create intake file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return path, fmt.Errorf("write intake file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close intake file: %w", err)
	}
	return path, nil
}
