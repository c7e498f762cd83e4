package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chaos-io/nobg/rembg"
)

type mockRemover struct {
	mock.Mock
}

func (m *mockRemover) Remove(ctx context.Context, data []byte) ([]byte, error) {
	args := m.Called(ctx, data)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

// removerFunc adapts a func to rembg.Remover.
type removerFunc func(ctx context.Context, data []byte) ([]byte, error)

func (f removerFunc) Remove(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

// echoRemover returns its input prefixed, so tests can tell whose bytes an
// output holds.
var echoRemover = removerFunc(func(_ context.Context, data []byte) ([]byte, error) {
	return append([]byte("nobg:"), data...), nil
})

type dirs struct {
	intake string
	output string
}

func newDirs(t *testing.T) dirs {
	t.Helper()
	root := t.TempDir()
	d := dirs{intake: filepath.Join(root, "uploads"), output: filepath.Join(root, "outputs")}
	require.NoError(t, EnsureLayout(d.intake, d.output))
	return d
}

func newInvoker(t *testing.T, d dirs, remover rembg.Remover) *Invoker {
	return NewInvoker(remover, d.output, NewPool(2), time.Second, zaptest.NewLogger(t))
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
