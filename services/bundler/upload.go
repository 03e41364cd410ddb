package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/SAP/leanix-custom-report-tools/pkg/auth"
	"github.com/SAP/leanix-custom-report-tools/pkg/transport"
)

const (
	workspaceUploadPath = "/services/pathfinder/v1/reports/upload"
	storeUploadPath     = "/services/torg/v1/assetversions/%s/payload"

	StatusOK    = "OK"
	StatusError = "ERROR"
)

// ErrUpload is matched by every upload failure, including business rejections.
var ErrUpload = errors.New("upload failed")

// UploadResult is the structured answer of the ingestion endpoint.
type UploadResult struct {
	Status  string          `json:"status"`
	Type    string          `json:"type,omitempty"`
	Message string          `json:"message,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	// Payload is the full decoded response body.
	Payload map[string]any `json:"-"`
}

// UploadError reports a transport-level failure or an unreadable response.
type UploadError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrUpload, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s: %s: status %d: %s", ErrUpload, e.URL, e.StatusCode, e.Body)
	}
}

func (e *UploadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpload}
	}
	return []error{ErrUpload, e.Err}
}

// RejectedError is returned when the service answers with a non-OK status, whatever the HTTP code.
type RejectedError struct {
	URL    string
	Result UploadResult
}

func (e *RejectedError) Error() string {
	if e.Result.Message != "" {
		return fmt.Sprintf("upload rejected by %s: %s", e.URL, e.Result.Message)
	}
	return fmt.Sprintf("upload rejected by %s: status %q", e.URL, e.Result.Status)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrUpload
}

// UploadURL selects the endpoint: the store when an asset id is configured, the workspace otherwise.
func UploadURL(cfg UploadConfig) (string, error) {
	if cfg.Store != nil && cfg.Store.AssetID != "" {
		return "https://" + auth.StoreHost(*cfg.Store) + fmt.Sprintf(storeUploadPath, url.PathEscape(cfg.Store.AssetID)), nil
	}
	instance := cfg.InstanceURL
	if instance == "" {
		if claims := auth.Claims(cfg.BearerToken); claims != nil {
			instance = claims.InstanceURL
		}
	}
	if instance == "" {
		return "", errors.New("workspace instance url unknown: token carries no instanceUrl claim")
	}
	return strings.TrimRight(instance, "/") + workspaceUploadPath, nil
}

// Upload sends the bundle as multipart field "file" in a single attempt.
func Upload(ctx context.Context, cfg UploadConfig) (UploadResult, error) {
	if cfg.BundlePath == "" {
		return UploadResult{}, fmt.Errorf("%w: bundle is required", ErrUpload)
	}
	if cfg.BearerToken == "" {
		return UploadResult{}, fmt.Errorf("%w: bearer token is required", ErrUpload)
	}

	endpoint, err := UploadURL(cfg)
	if err != nil {
		return UploadResult{}, &UploadError{Err: err}
	}

	body, contentType, err := multipartBody(cfg.BundlePath)
	if err != nil {
		return UploadResult{}, &UploadError{URL: endpoint, Err: err}
	}

	client := cfg.HTTPClient
	if client == nil {
		client, err = transport.NewClient(transport.Options{ProxyURL: cfg.ProxyURL, Timeout: cfg.Timeout})
		if err != nil {
			return UploadResult{}, &UploadError{URL: endpoint, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return UploadResult{}, &UploadError{URL: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return UploadResult{}, &UploadError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return UploadResult{}, &UploadError{URL: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	result, decodeErr := decodeResult(data)
	if decodeErr != nil || result.Status == "" {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return UploadResult{}, &UploadError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		if decodeErr != nil {
			return UploadResult{}, &UploadError{URL: endpoint, StatusCode: resp.StatusCode, Err: decodeErr}
		}
	}
	if result.Status != StatusOK {
		return result, &RejectedError{URL: endpoint, Result: result}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &UploadError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return result, nil
}

func decodeResult(data []byte) (UploadResult, error) {
	var result UploadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload result: %w", err)
	}
	if err := json.Unmarshal(data, &result.Payload); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload result: %w", err)
	}
	return result, nil
}

func multipartBody(path string) (*bytes.Buffer, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", DefaultBundleName)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("copy bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
