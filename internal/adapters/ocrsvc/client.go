// Package ocrsvc — клиент OCR-микросервиса. Сервис принимает путь уже
// загруженного в хранилище снимка и возвращает распознанный текст и/или
// содержимое штрихкода.
package ocrsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Result — ответ сервиса. Отсутствующее поле означает, что на снимке ничего
// такого не нашлось.
type Result struct {
	OCR     *string `json:"ocr,omitempty"`
	Barcode *string `json:"barcode,omitempty"`
}

// Client запрашивает распознавание по HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	retries int
}

// New конструирует клиент. Таймаут одного запроса — 10 секунд, по таймауту
// запрос повторяется до 5 раз: сервис однопоточный и под нагрузкой отвечает
// неровно.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retries: 5,
	}
}

// Recognize запрашивает распознавание объекта fullPath (path/filename).
func (c *Client) Recognize(ctx context.Context, fullPath string) (Result, error) {
	url := c.baseURL + "/" + strings.TrimLeft(fullPath, "/")

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Result{}, errors.Wrap(err, "build request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("ocr service: status %s", resp.Status)
			continue
		}

		var out Result
		if err := json.Unmarshal(body, &out); err != nil {
			return Result{}, errors.Wrap(err, "decode response")
		}
		return out, nil
	}
	return Result{}, errors.Wrap(lastErr, "recognize")
}
