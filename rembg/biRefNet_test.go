package rembg

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	nhttp "github.com/chaos-io/nobg/util/http"
)

// fakeComfy emulates the subset of the ComfyUI API the workflow uses. The
// history entry only appears after pendingPolls requests.
func fakeComfy(t *testing.T, pendingPolls int32, status string) *httptest.Server {
	var polls atomic.Int32
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/upload/image", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "raw-input", string(data))
		assert.Equal(t, "input", r.FormValue("type"))
		_ = json.NewEncoder(w).Encode(map[string]string{"name": header.Filename, "subfolder": "", "type": "input"})
	})

	mux.HandleFunc("POST /api/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt map[string]struct {
				ClassType string         `json:"class_type"`
				Inputs    map[string]any `json:"inputs"`
			} `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "LoadImage", req.Prompt[loadImageNode].ClassType)
		assert.NotEqual(t, "MyImage.png", req.Prompt[loadImageNode].Inputs["image"])
		_, _ = w.Write([]byte(`{"prompt_id": "p-1", "number": 1}`))
	})

	mux.HandleFunc("GET /api/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) <= pendingPolls {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		entry := map[string]any{
			"status": map[string]any{"status_str": status, "completed": true},
			"outputs": map[string]any{
				saveImageNode: map[string]any{
					"images": []map[string]string{{"filename": "nobg_00001_.png", "subfolder": "", "type": "output"}},
				},
			},
		}
		if status == statusErrorStr {
			entry["outputs"] = map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{r.PathValue("id"): entry})
	})

	mux.HandleFunc("GET /api/view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nobg_00001_.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte("cut-out"))
	})

	mux.HandleFunc("GET /api/system_stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"devices": [{"name": "cuda:0 NVIDIA GeForce RTX 3090", "type": "cuda", "vram_total": 25769803776}]}`))
	})

	return httptest.NewServer(mux)
}

func newTestBiRefNet(t *testing.T, url string) *BiRefNetRemBG {
	b := NewBiRefNetRemBG(url, nhttp.NewHTTPClient(), zaptest.NewLogger(t))
	b.pollInterval = 5 * time.Millisecond
	return b
}

func TestBiRefNetRemBG_Remove(t *testing.T) {
	server := fakeComfy(t, 2, "success")
	defer server.Close()

	got, err := newTestBiRefNet(t, server.URL).Remove(context.Background(), []byte("raw-input"))
	require.NoError(t, err)
	assert.Equal(t, "cut-out", string(got))
}

func TestBiRefNetRemBG_RemovePromptFailed(t *testing.T) {
	server := fakeComfy(t, 0, statusErrorStr)
	defer server.Close()

	_, err := newTestBiRefNet(t, server.URL).Remove(context.Background(), []byte("raw-input"))
	assert.ErrorContains(t, err, "prompt p-1 failed")
}

func TestBiRefNetRemBG_RemoveContextDone(t *testing.T) {
	server := fakeComfy(t, 1<<30, "success")
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestBiRefNet(t, server.URL).Remove(ctx, []byte("raw-input"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBiRefNetRemBG_Device(t *testing.T) {
	server := fakeComfy(t, 0, "success")
	defer server.Close()

	info, err := newTestBiRefNet(t, server.URL).Device(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Available)
	assert.Equal(t, "cuda:0 NVIDIA GeForce RTX 3090", info.Name)
	assert.Equal(t, "25.77 GB", info.Memory)
}

func TestBuildWorkflow(t *testing.T) {
	first, err := buildWorkflow("a.png")
	require.NoError(t, err)
	second, err := buildWorkflow("b.png")
	require.NoError(t, err)

	image := func(wk map[string]any) any {
		return wk[loadImageNode].(map[string]any)["inputs"].(map[string]any)["image"]
	}
	assert.Equal(t, "a.png", image(first))
	assert.Equal(t, "b.png", image(second))
}

func TestBiRefNetRemBG_RemoveRejectedUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid image"))
	}))
	defer server.Close()

	_, err := newTestBiRefNet(t, server.URL).Remove(context.Background(), []byte("raw-input"))
	require.ErrorIs(t, err, ErrRemoverStatus)
	assert.ErrorContains(t, err, "upload image")
	assert.ErrorContains(t, err, "invalid image")
}
