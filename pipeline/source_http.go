package pipeline

import (
	"fmt"
	"io"
	"net/http"

	"context"
)

// HttpClient is the subset of *http.Client the HTTP source needs.
type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpSource struct {
	httpClient HttpClient
	userAgent  string
}

// NewHTTPSource returns a ByteSource that treats locators as URLs. The
// request carries ctx, so cancelling a node aborts in-progress body reads.
func NewHTTPSource(httpClient HttpClient, userAgent string) ByteSource {
	return httpSource{
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

func (s httpSource) Start(ctx context.Context, req Request) (Response, io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Locator, nil)
	if err != nil {
		return Response{}, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if s.userAgent != "" {
		httpReq.Header.Set("User-Agent", s.userAgent)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, nil, fmt.Errorf("failed to send request: %w", err)
	}

	return Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
	}, resp.Body, nil
}
