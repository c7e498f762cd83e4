package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	nhttp "github.com/chaos-io/nobg/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	loadImageNode  = "1"
	saveImageNode  = "3"
	pollInterval   = 500 * time.Millisecond
	gigabyte       = 1e9
	statusErrorStr = "error"
)

//go:embed workflow.json
var workflowData []byte

// BiRefNetRemBG runs the BiRefNet workflow on a ComfyUI server.
type BiRefNetRemBG struct {
	baseURL      string
	cli          nhttp.IClient
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewBiRefNetRemBG(baseURL string, cli nhttp.IClient, logger *zap.Logger) *BiRefNetRemBG {
	return &BiRefNetRemBG{
		baseURL:      strings.TrimRight(baseURL, "/"),
		cli:          cli,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

func (b *BiRefNetRemBG) Remove(ctx context.Context, data []byte) ([]byte, error) {
	uploaded, err := b.uploadImage(ctx, data)
	if err != nil {
		return nil, classify(err)
	}

	promptID, err := b.prompt(ctx, uploaded.Name)
	if err != nil {
		return nil, classify(err)
	}

	ref, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, classify(err)
	}

	out, err := b.view(ctx, ref)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, data []byte) (*uploadImageResp, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", ksuid.New().String()+".png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/upload/image",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}

	b.logger.Debug("uploaded image", zap.String("name", resp.Name), zap.String("subfolder", resp.Subfolder))
	if resp.Name == "" {
		return nil, errors.New("upload image: empty name in response")
	}
	return resp, nil
}

type promptResp struct {
	PromptID string `json:"prompt_id"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	wk, err := buildWorkflow(imageName)
	if err != nil {
		return "", err
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/prompt",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"prompt": wk, "client_id": ksuid.New().String()},
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", errors.New("queue prompt: empty prompt_id in response")
	}

	b.logger.Debug("queued prompt", zap.String("prompt_id", resp.PromptID))
	return resp.PromptID, nil
}

// buildWorkflow points the LoadImage node of the embedded workflow at
// imageName. The embedded template is never mutated.
func buildWorkflow(imageName string) (map[string]any, error) {
	wk := map[string]any{}
	if err := json.Unmarshal(workflowData, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}

	node, ok := wk[loadImageNode].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow has no node %q", loadImageNode)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow node %q has no inputs", loadImageNode)
	}
	inputs["image"] = imageName
	return wk, nil
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

// waitOutput polls /api/history until the prompt finishes and returns the first
// image written by the SaveImage node.
func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string) (imageRef, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: b.baseURL + "/api/history/" + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		}
		if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return imageRef{}, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == statusErrorStr {
				return imageRef{}, fmt.Errorf("prompt %s failed", promptID)
			}
			if out, ok := entry.Outputs[saveImageNode]; ok && len(out.Images) > 0 {
				return out.Images[0], nil
			}
			if entry.Status.Completed {
				return imageRef{}, fmt.Errorf("prompt %s completed without output image", promptID)
			}
		}

		select {
		case <-ctx.Done():
			return imageRef{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *BiRefNetRemBG) view(ctx context.Context, ref imageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	var out []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/view?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &out,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("fetch output image: %w", err)
	}
	return out, nil
}

type systemStatsResp struct {
	Devices []struct {
		Name      string  `json:"name"`
		Type      string  `json:"type"`
		VRAMTotal float64 `json:"vram_total"`
	} `json:"devices"`
}

// Device reports the first accelerator listed by /api/system_stats.
func (b *BiRefNetRemBG) Device(ctx context.Context) (DeviceInfo, error) {
	stats := &systemStatsResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/system_stats",
		Method:     http.MethodGet,
		Response:   stats,
		Timeout:    5 * time.Second,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return DeviceInfo{}, fmt.Errorf("get system stats: %w", err)
	}

	for _, d := range stats.Devices {
		if d.Type == "" || d.Type == "cpu" {
			continue
		}
		return DeviceInfo{
			Available: true,
			Name:      d.Name,
			Memory:    fmt.Sprintf("%.2f GB", d.VRAMTotal/gigabyte),
		}, nil
	}
	return CPUDevice(), nil
}
