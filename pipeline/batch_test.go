package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chaos-io/nobg/rembg"
)

func newCoordinator(t *testing.T, d dirs, remover rembg.Remover, opts CoordinatorOptions) *Coordinator {
	t.Helper()
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:5111"
	}
	return NewCoordinator(
		NewGate(DefaultExtensions),
		NewIntake(d.intake, opts.UniqueNames),
		newInvoker(t, d, remover),
		opts,
		zaptest.NewLogger(t),
	)
}

func TestCoordinator_HandleBatch_PartialFailure(t *testing.T) {
	d := newDirs(t)

	remover := &mockRemover{}
	remover.On("Remove", mock.Anything, []byte("good")).Return([]byte("cutout"), nil).Once()
	remover.On("Remove", mock.Anything, []byte("corrupt")).Return(nil, errors.New("cannot identify image file")).Once()

	c := newCoordinator(t, d, remover, CoordinatorOptions{})
	results, err := c.HandleBatch(context.Background(), []UploadedFile{
		BytesFile("one.jpg", []byte("good")),
		BytesFile("two.gif", []byte("unsupported")),
		BytesFile("three.png", []byte("corrupt")),
	})
	require.NoError(t, err)
	remover.AssertExpectations(t)

	require.Len(t, results, 2)
	assert.Equal(t, Result{
		Original:  "one.jpg",
		Processed: "http://localhost:5111/outputs/one_nobg.png",
		Filename:  "one_nobg.png",
	}, results[0])
	assert.True(t, results[0].OK())

	assert.Equal(t, "three.png", results[1].Original)
	assert.Contains(t, results[1].Error, "cannot identify image file")
	assert.False(t, results[1].OK())

	assert.Empty(t, listDir(t, d.intake))
	assert.Equal(t, []string{"one_nobg.png"}, listDir(t, d.output))
}

func TestCoordinator_HandleBatch_NoImages(t *testing.T) {
	d := newDirs(t)
	remover := &mockRemover{}

	results, err := newCoordinator(t, d, remover, CoordinatorOptions{}).HandleBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoImages)
	assert.Nil(t, results)

	remover.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	assert.Empty(t, listDir(t, d.intake))
	assert.Empty(t, listDir(t, d.output))
}

func TestCoordinator_HandleBatch_EmptyList(t *testing.T) {
	d := newDirs(t)

	results, err := newCoordinator(t, d, echoRemover, CoordinatorOptions{}).HandleBatch(context.Background(), []UploadedFile{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results, "an empty batch still encodes as []")
}

func TestCoordinator_HandleBatch_Skips(t *testing.T) {
	files := []UploadedFile{
		BytesFile("", []byte("x")),
		BytesFile("notes.txt", []byte("x")),
		BytesFile("noext", []byte("x")),
	}

	t.Run("silent", func(t *testing.T) {
		d := newDirs(t)
		results, err := newCoordinator(t, d, echoRemover, CoordinatorOptions{}).HandleBatch(context.Background(), files)
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Empty(t, listDir(t, d.intake))
	})

	t.Run("reported", func(t *testing.T) {
		d := newDirs(t)
		c := newCoordinator(t, d, echoRemover, CoordinatorOptions{ReportSkipped: true})
		results, err := c.HandleBatch(context.Background(), files)
		require.NoError(t, err)
		assert.Equal(t, []Result{
			{Original: "", Skipped: SkipEmptyFilename},
			{Original: "notes.txt", Skipped: SkipUnsupported},
			{Original: "noext", Skipped: SkipUnsupported},
		}, results)
	})
}

func TestCoordinator_HandleBatch_StagingErrors(t *testing.T) {
	d := newDirs(t)
	c := newCoordinator(t, d, echoRemover, CoordinatorOptions{})

	results, err := c.HandleBatch(context.Background(), []UploadedFile{
		{Filename: "a.png", Open: func() (io.ReadCloser, error) { return nil, errors.New("multipart: gone") }},
		{Filename: "b.png", Open: func() (io.ReadCloser, error) { return io.NopCloser(failingReader{}), nil }},
		BytesFile("c.png", []byte("fine")),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Contains(t, results[0].Error, "multipart: gone")
	assert.Contains(t, results[1].Error, "connection reset")
	assert.True(t, results[2].OK())
	assert.Empty(t, listDir(t, d.intake), "partial intake files are removed")
}

func TestCoordinator_HandleBatch_UniqueNames(t *testing.T) {
	d := newDirs(t)
	c := newCoordinator(t, d, echoRemover, CoordinatorOptions{UniqueNames: true, BaseURL: "https://nobg.example.com/"})

	results, err := c.HandleBatch(context.Background(), []UploadedFile{
		BytesFile("photo.jpg", []byte("jpg")),
		BytesFile("photo.png", []byte("png")),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NotEqual(t, results[0].Filename, results[1].Filename, "same stem stays addressable")
	for _, r := range results {
		assert.Regexp(t, `^[0-9A-Za-z]{27}_photo_nobg\.png$`, r.Filename)
		assert.Equal(t, "https://nobg.example.com/outputs/"+r.Filename, r.Processed)
	}
	assert.Len(t, listDir(t, d.output), 2)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, objectName, localPath string) (string, error) {
	args := m.Called(ctx, objectName, localPath)
	return args.String(0), args.Error(1)
}

func TestCoordinator_HandleBatch_Publisher(t *testing.T) {
	d := newDirs(t)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "a_nobg.png", filepath.Join(d.output, "a_nobg.png")).
		Return("https://storage.googleapis.com/bucket/a_nobg.png", nil).Once()
	pub.On("Publish", mock.Anything, "b_nobg.png", mock.Anything).
		Return("", errors.New("bucket not found")).Once()

	c := newCoordinator(t, d, echoRemover, CoordinatorOptions{Publisher: pub})
	results, err := c.HandleBatch(context.Background(), []UploadedFile{
		BytesFile("a.png", []byte("a")),
		BytesFile("b.png", []byte("b")),
	})
	require.NoError(t, err)
	pub.AssertExpectations(t)

	require.Len(t, results, 2)
	assert.Equal(t, "https://storage.googleapis.com/bucket/a_nobg.png", results[0].Mirror)
	assert.True(t, results[1].OK(), "mirror failure does not fail the entry")
	assert.Empty(t, results[1].Mirror)
}

// slowEcho holds each call long enough for concurrent batches to overlap.
var slowEcho = removerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return append([]byte("nobg:"), data...), nil
})

// Two batches uploading identically named files at the same time must each
// get their own bytes back and never trip over the other's intake file.
func TestCoordinator_HandleBatch_ConcurrentSameNames(t *testing.T) {
	for _, unique := range []bool{true, false} {
		t.Run(fmt.Sprintf("unique=%t", unique), func(t *testing.T) {
			d := newDirs(t)
			c := newCoordinator(t, d, slowEcho, CoordinatorOptions{UniqueNames: unique})

			const batches = 8
			var wg sync.WaitGroup
			results := make([][]Result, batches)
			outputs := make([][]byte, batches)

			for i := 0; i < batches; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					payload := []byte(fmt.Sprintf("batch-%d", i))
					res, err := c.HandleBatch(context.Background(), []UploadedFile{
						BytesFile("photo.png", payload),
						BytesFile("photo.png", payload),
					})
					assert.NoError(t, err)
					results[i] = res

					// Read back while the output cannot be replaced by a
					// sibling batch in unique mode.
					if unique && len(res) > 0 && res[0].OK() {
						data, err := os.ReadFile(filepath.Join(d.output, res[0].Filename))
						assert.NoError(t, err)
						outputs[i] = data
					}
				}(i)
			}
			wg.Wait()

			for i, res := range results {
				require.Len(t, res, 2)
				for _, r := range res {
					assert.Empty(t, r.Error, "batch %d", i)
				}
				if unique {
					assert.Equal(t, []byte(fmt.Sprintf("nobg:batch-%d", i)), outputs[i])
				}
			}
			assert.Empty(t, listDir(t, d.intake))

			if !unique {
				data, err := os.ReadFile(filepath.Join(d.output, "photo_nobg.png"))
				require.NoError(t, err)
				assert.True(t, bytes.HasPrefix(data, []byte("nobg:batch-")), "output is one batch's complete bytes")
				assert.Equal(t, []string{"photo_nobg.png"}, listDir(t, d.output))
			}
		})
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.Lock("a")()
	}()

	otherDone := make(chan struct{})
	go func() {
		defer close(otherDone)
		k.Lock("b")()
	}()
	<-otherDone

	select {
	case <-acquired:
		t.Fatal("second lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
