package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRemoveBGTimeout = 60 * time.Second
	maxRemoveBGResponse    = 64 << 20
)

// RemoveBackground talks to a rembg-compatible HTTP service (POST /api/remove, multipart "file").
type RemoveBackground struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoveBackground builds a client for the service at baseURL.
func NewRemoveBackground(baseURL string, timeout time.Duration, client *http.Client) *RemoveBackground {
	if timeout <= 0 {
		timeout = defaultRemoveBGTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RemoveBackground{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), httpClient: client}
}

// Descriptor registers the client as the remove_background transform.
func (c *RemoveBackground) Descriptor() Descriptor {
	return Descriptor{
		Name:       "remove_background",
		Accepts:    ImageTypes,
		Concurrent: true,
		Run:        c.Run,
	}
}

type upstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("remove background: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Run uploads the image and returns the cut-out PNG.
func (c *RemoveBackground) Run(ctx context.Context, in Input, _ map[string]string) (Output, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "image")
	if err != nil {
		return Output{}, Permanent(err)
	}
	if _, err := fw.Write(in.Data); err != nil {
		return Output{}, Permanent(err)
	}
	if err := mw.Close(); err != nil {
		return Output{}, Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/remove", &body)
	if err != nil {
		return Output{}, Permanent(fmt.Errorf("remove background: build request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Output{}, Transient(fmt.Errorf("remove background: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoveBGResponse))
	if err != nil {
		return Output{}, Transient(fmt.Errorf("remove background: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		serr := &upstreamStatusError{StatusCode: resp.StatusCode, Body: snippet(data)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Output{}, Transient(serr)
		}
		return Output{}, Permanent(serr)
	}
	if len(data) == 0 {
		return Output{}, Transient(errors.New("remove background: empty response"))
	}
	mt := http.DetectContentType(data)
	if !strings.HasPrefix(mt, "image/") {
		return Output{}, Permanent(fmt.Errorf("remove background: unexpected content %s", mt))
	}
	return Output{Data: data, MediaType: mt}, nil
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
