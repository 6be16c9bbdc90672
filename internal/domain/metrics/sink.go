package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// HTTPSink пишет точки в write-endpoint временных рядов одной пачкой
// line protocol в теле POST.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink конструирует приёмник для данного write-endpoint.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Write сериализует точки и отправляет их одним запросом.
func (s *HTTPSink) Write(ctx context.Context, points []Point) error {
	lines := make([]string, len(points))
	for i, p := range points {
		lines[i] = EncodeLine(p)
	}
	body := strings.Join(lines, "\n")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post points")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("metrics sink: unexpected status %s", resp.Status)
	}
	return nil
}
