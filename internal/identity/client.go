// Package identity предоставляет клиент для внешней системы идентификации.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с системой идентификации,
// владеющей учётными записями читателей.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// UserStatus описывает ответ системы идентификации по одному читателю.
type UserStatus struct {
	UserID int64 `json:"user_id"`
	Active bool  `json:"active"`
}

// NewClient создаёт HTTP-клиент для обращения к системе идентификации по
// указанному адресу. Сетевые сбои и ответы 5xx повторяются на уровне транспорта.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil

	httpClient := rc.StandardClient()
	httpClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// GetUserStatus запрашивает актуальный статус активности читателя.
// Возвращает статус, HTTP-код ответа и интервал Retry-After для кода 429.
func (c *Client) GetUserStatus(ctx context.Context, userID int64) (*UserStatus, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("identity client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/users/%d/status", base, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result UserStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
