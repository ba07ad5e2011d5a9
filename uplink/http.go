package uplink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"resqmesh/mesh"
)

// DefaultHTTPTimeout bounds one POST when the caller's context has no deadline.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPUploader POSTs one JSON report per message.
type HTTPUploader struct {
	url      string
	deviceID string
	client   *http.Client
	headers  map[string]string
	log      logrus.FieldLogger
}

// NewHTTPUploader creates an uploader for the given ingestion URL.
func NewHTTPUploader(url, deviceID string, timeout time.Duration, log logrus.FieldLogger) (*HTTPUploader, error) {
	if url == "" {
		return nil, errors.New("uplink url is required")
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPUploader{
		url:      url,
		deviceID: deviceID,
		client:   &http.Client{Timeout: timeout},
		headers: map[string]string{
			"Content-Type": "application/json",
			"User-Agent":   "resqmesh/1.0",
		},
		log: log.WithField("component", "http_uplink"),
	}, nil
}

// Upload sends the message. Any 2xx response is success.
func (u *HTTPUploader) Upload(ctx context.Context, message mesh.Message) error {
	payload, err := encodeReport(u.deviceID, message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create uplink request: %w", err)
	}
	for key, value := range u.headers {
		req.Header.Set(key, value)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uplink request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("uplink returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	u.log.WithFields(logrus.Fields{
		"origin_id": message.OriginID,
		"key":       message.Key,
	}).Debug("report uploaded")
	return nil
}
