package rembg

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	nhttp "github.com/chaos-io/nobg/util/http"
)

// ServerRemBG calls a rembg HTTP server ("rembg s").
type ServerRemBG struct {
	baseURL string
	model   string
	cli     nhttp.IClient
}

func NewServerRemBG(baseURL, model string, cli nhttp.IClient) *ServerRemBG {
	return &ServerRemBG{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		cli:     cli,
	}
}

/*
	curl -X POST "$BASE_URL/api/remove" \
	  -F "file=@my_image.png" \
	  -F "model=u2net" -o out.png
*/
func (s *ServerRemBG) Remove(ctx context.Context, data []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if s.model != "" {
		_ = writer.WriteField("model", s.model)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	var out []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: s.baseURL + "/api/remove",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   &out,
	}
	if err := s.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, classify(fmt.Errorf("do request: %w", err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty response from %s", s.baseURL)
	}
	return out, nil
}
