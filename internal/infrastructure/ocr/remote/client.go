package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/resilience"
)

const (
	uploadPath      = "/upload"
	maxResponseSize = 16 << 20
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	HTTPClient         *http.Client
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string) *Client {
	return NewWithOptions(baseURL, Options{})
}

func NewWithOptions(baseURL string, options Options) *Client {
	httpClient := options.HTTPClient
	if httpClient == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		executor:   options.ResilienceExecutor,
	}
}

// Recognize posts the payload as multipart field "file" and decodes the service response.
// A decoded {error} body is returned as a result, not as an error; the caller classifies it.
func (c *Client) Recognize(ctx context.Context, payload domain.OCRPayload) (domain.OCRResult, error) {
	var result domain.OCRResult
	call := func(callCtx context.Context) error {
		decoded, err := c.upload(callCtx, payload)
		if err != nil {
			return err
		}
		result = decoded
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ocr.upload", call, classifyOCRError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.OCRResult{}, wrapTemporaryIfNeeded("ocr upload", err)
	}
	return result, nil
}

func (c *Client) upload(ctx context.Context, payload domain.OCRPayload) (domain.OCRResult, error) {
	body, contentType, err := encodeMultipart(payload)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, bytes.NewReader(body))
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("create ocr request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("read ocr response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return domain.OCRResult{}, newHTTPStatusError(resp, raw)
	}

	var result domain.OCRResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.OCRResult{}, domain.WrapError(domain.ErrEnrichment, "decode ocr response", err)
	}
	return result, nil
}

func encodeMultipart(payload domain.OCRPayload) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, payload.Filename))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload.Content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
