package http

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/http.go -package=mocks . IClient
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam describes one outbound call.
//
// Body may be nil, an io.Reader, a []byte or any JSON-marshalable value.
// Response may be nil, a *[]byte to receive the raw body, or a pointer that the
// JSON body is decoded into.
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
	// MaxBodyBytes fails the call once a successful response body grows past
	// it. Zero means unbounded.
	MaxBodyBytes int64
}
