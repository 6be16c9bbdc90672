// Package blob — клиент B2-совместимого объектного хранилища. Поток:
// b2_authorize_account (basic auth) → b2_get_upload_url (по bucketId) →
// upload_file. Токен авторизации и api-URL кэшируются в Redis и переживают
// рестарты; на 401 токен обновляется и попытка повторяется.
package blob

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/logger"
)

const (
	accountAPIBase = "https://api.backblazeb2.com"
	// tokenTTL — время жизни кэшированного токена. B2 выдаёт токены на сутки,
	// обновляем заметно раньше.
	tokenTTL = 20 * time.Hour
	// maxAttempts — ретраи каждого шага загрузки.
	maxAttempts = 5
)

// Client загружает объекты в один бакет.
type Client struct {
	keyID    string
	secret   string
	bucketID string
	http     *http.Client

	token  cache.ExpiringValue
	apiURL cache.ExpiringValue
}

// New конструирует клиент хранилища.
func New(keyID, secret, bucketID string, c *cache.Client) *Client {
	return &Client{
		keyID:    keyID,
		secret:   secret,
		bucketID: bucketID,
		http:     &http.Client{Timeout: 60 * time.Second},
		token:    c.ExpiringValue("b2_authorization_token"),
		apiURL:   c.ExpiringValue("b2_api_url"),
	}
}

func apiEndpoint(base, call string) string {
	return base + "/b2api/v2/" + call
}

type authorizeResponse struct {
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
}

type uploadURLResponse struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// refreshToken запрашивает новый токен авторизации и кладёт его в кэш.
// Ретраится до maxAttempts раз: обновление токена — редкая операция, и её
// срыв останавливает весь OCR-конвейер.
func (c *Client) refreshToken(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			apiEndpoint(accountAPIBase, "b2_authorize_account"), nil)
		if err != nil {
			return errors.Wrap(err, "build authorize request")
		}
		req.SetBasicAuth(c.keyID, c.secret)

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
			logger.Warn("authorize account failed",
				zap.Int("code", resp.StatusCode), zap.ByteString("body", body))
			lastErr = fmt.Errorf("authorize account: status %s", resp.Status)
			continue
		}

		var auth authorizeResponse
		if err := json.Unmarshal(body, &auth); err != nil {
			lastErr = errors.Wrap(err, "decode authorize response")
			continue
		}
		if err := c.token.Set(ctx, auth.AuthorizationToken, tokenTTL); err != nil {
			return err
		}
		return c.apiURL.Set(ctx, auth.APIURL, tokenTTL)
	}
	return errors.Wrap(lastErr, "refresh authorization token")
}

// getUploadURL выдаёт одноразовый upload-URL бакета. На 401 токен считается
// протухшим и обновляется.
func (c *Client) getUploadURL(ctx context.Context) (uploadURLResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, ok, err := c.token.Get(ctx)
		if err != nil {
			return uploadURLResponse{}, err
		}
		if !ok {
			if err := c.refreshToken(ctx); err != nil {
				return uploadURLResponse{}, err
			}
			if token, _, err = c.token.Get(ctx); err != nil {
				return uploadURLResponse{}, err
			}
		}
		apiURL, _, err := c.apiURL.Get(ctx)
		if err != nil {
			return uploadURLResponse{}, err
		}

		payload, _ := json.Marshal(map[string]string{"bucketId": c.bucketID})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			apiEndpoint(apiURL, "b2_get_upload_url"), bytes.NewReader(payload))
		if err != nil {
			return uploadURLResponse{}, errors.Wrap(err, "build upload url request")
		}
		req.Header.Set("Authorization", token)
		req.Header.Set("Content-Type", "application/json")

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
		if resp.StatusCode == http.StatusUnauthorized {
			if err := c.refreshToken(ctx); err != nil {
				return uploadURLResponse{}, err
			}
			lastErr = fmt.Errorf("get upload url: unauthorized")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			logger.Warn("get upload url failed",
				zap.Int("code", resp.StatusCode), zap.ByteString("body", body))
			lastErr = fmt.Errorf("get upload url: status %s", resp.Status)
			continue
		}

		var out uploadURLResponse
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = errors.Wrap(err, "decode upload url response")
			continue
		}
		return out, nil
	}
	return uploadURLResponse{}, errors.Wrap(lastErr, "get upload url")
}

// Upload загружает объект под именем path/filename и возвращает полный путь.
func (c *Client) Upload(ctx context.Context, path, filename string, data []byte) (string, error) {
	target, err := c.getUploadURL(ctx)
	if err != nil {
		return "", err
	}

	fullName := path + "/" + filename
	sum := sha1.Sum(data)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, bytes.NewReader(data))
		if err != nil {
			return "", errors.Wrap(err, "build upload request")
		}
		req.Header.Set("Authorization", target.AuthorizationToken)
		req.Header.Set("X-Bz-File-Name", fullName)
		req.Header.Set("Content-Type", "b2/x-auto")
		req.Header.Set("Content-Length", strconv.Itoa(len(data)))
		req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(sum[:]))

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
			logger.Warn("upload failed",
				zap.Int("code", resp.StatusCode), zap.ByteString("body", body))
			lastErr = fmt.Errorf("upload: status %s", resp.Status)
			continue
		}
		return fullName, nil
	}
	return "", errors.Wrap(lastErr, "upload file")
}
