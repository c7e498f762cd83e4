package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/nobg/pipeline"
	"github.com/chaos-io/nobg/rembg"
)

const formField = "images"

type ErrorResponse struct {
	Error string `json:"error"`
}

type BatchResponse struct {
	Results []pipeline.Result `json:"results"`
}

type HealthResponse struct {
	Status string           `json:"status"`
	GPU    rembg.DeviceInfo `json:"gpu"`
}

type handler struct {
	batch       BatchHandler
	remover     rembg.Remover
	maxFileSize int64
	version     string
	logger      *zap.Logger
}

func (h *handler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": ServiceName, "version": h.version})
}

func (h *handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		GPU:    rembg.ReportDevice(c.Request.Context(), h.remover),
	})
}

func (h *handler) RemoveBackground(c *gin.Context) {
	if c.Request.ContentLength > h.maxFileSize {
		h.tooLarge(c, c.Request.ContentLength)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize)

	files, err := h.uploadedFiles(c)
	if err != nil {
		if isTooLarge(err) {
			h.tooLarge(c, c.Request.ContentLength)
			return
		}
		h.logger.Warn("Failed to parse multipart form", zap.Error(err))
	}

	results, err := h.batch.HandleBatch(c.Request.Context(), files)
	if errors.Is(err, pipeline.ErrNoImages) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "No images provided"})
		return
	}
	if err != nil {
		h.logger.Error("Batch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, BatchResponse{Results: results})
}

// uploadedFiles returns nil, not an empty slice, when the form has no
// "images" field, so the coordinator can tell an absent field from an empty
// one. Parts sent with filename="" (a file input left empty) are parsed into
// form values; they come back as files without a name.
func (h *handler) uploadedFiles(c *gin.Context) ([]pipeline.UploadedFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, err
	}
	headers, hasFiles := form.File[formField]
	values, hasValues := form.Value[formField]
	if !hasFiles && !hasValues {
		return nil, nil
	}

	files := make([]pipeline.UploadedFile, 0, len(headers)+len(values))
	for _, fh := range headers {
		files = append(files, fromHeader(fh))
	}
	for range values {
		files = append(files, pipeline.UploadedFile{})
	}
	return files, nil
}

func fromHeader(fh *multipart.FileHeader) pipeline.UploadedFile {
	return pipeline.UploadedFile{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func (h *handler) tooLarge(c *gin.Context, size int64) {
	h.logger.Warn("File too large", zap.Int64("size", size), zap.Int64("max", h.maxFileSize))
	c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "File too large"})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
