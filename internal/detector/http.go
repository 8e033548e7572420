// Package detector talks to an external object-detection service.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"traffic-state/internal/traffic"
)

// DefaultConfidence is the minimum confidence a detection needs to be kept.
const DefaultConfidence = 0.40

// Client is a traffic.Detector that posts each frame to an inference
// service and decodes {"detections":[{"bbox":[x1,y1,x2,y2],"class":"car","confidence":0.9}]}.
type Client struct {
	inferenceURL string
	confidence   float64
	http         *http.Client
}

// New returns a Client for inferenceURL. A non-positive confidence selects
// DefaultConfidence.
func New(inferenceURL string, confidence float64, timeout time.Duration) *Client {
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		inferenceURL: strings.TrimRight(inferenceURL, "/"),
		confidence:   confidence,
		http:         &http.Client{Timeout: timeout},
	}
}

type response struct {
	Detections []traffic.Detection `json:"detections"`
}

// Detect implements traffic.Detector. Detections of classes the pipeline does
// not count, or below the confidence floor, are dropped.
func (c *Client) Detect(ctx context.Context, frame traffic.Frame) ([]traffic.Detection, error) {
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("frame has no image data")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(frame.Data)); err != nil {
		return nil, fmt.Errorf("copy frame data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var result response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := result.Detections[:0]
	for _, d := range result.Detections {
		if d.Confidence < c.confidence {
			continue
		}
		if _, ok := traffic.ParseClass(d.Label); !ok {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// CheckHealth checks that the inference service answers on /health.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.inferenceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
