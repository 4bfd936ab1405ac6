package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/fiap/smartlocation/internal/model"
)

const contentType = "application/json"

// RepoUploader posts run reports to a remote repository.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoUploader(serverURL string) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return nil, errors.New("please define the repository url with a http(s) scheme and a host, e.g. `http://some-url.com/api/reports`")
	}

	return &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *RepoUploader) Upload(ctx context.Context, report model.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := c.decodeUploadResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "report uploaded", slog.String("url", c.requestURL.String()))
	return nil
}

// Close releases idle connections.
func (c *RepoUploader) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil || ct != "application/problem+json" {
			break
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
