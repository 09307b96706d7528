package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zhouzirui/interview-live/backend/pkg/utils"
)

// ErrInvalidToken 凭证被认证服务明确拒绝。其他错误均视为认证服务不可用。
var ErrInvalidToken = errors.New("invalid token")

// Verifier 把客户端提交的 token 解析为用户 ID。
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// HTTPVerifier calls the user service's verify-token endpoint.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPVerifier(baseURL string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPVerifier{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}

	var out verifyResponse
	err := utils.PostJSON(ctx, v.client, v.baseURL+"/api/verify-token", map[string]string{"token": token}, &out)
	if err != nil {
		var statusErr *utils.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("verify token: %w", err)
	}
	if !out.Valid || strings.TrimSpace(out.UserID) == "" {
		return "", ErrInvalidToken
	}
	return out.UserID, nil
}

// CachingVerifier 缓存验证通过的 token，失败结果不缓存。
type CachingVerifier struct {
	next  Verifier
	cache *expirable.LRU[string, string]
}

func NewCachingVerifier(next Verifier, size int, ttl time.Duration) *CachingVerifier {
	if size <= 0 {
		size = 1024
	}
	return &CachingVerifier{next: next, cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *CachingVerifier) Verify(ctx context.Context, token string) (string, error) {
	if userID, ok := c.cache.Get(token); ok {
		return userID, nil
	}
	userID, err := c.next.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	c.cache.Add(token, userID)
	return userID, nil
}

// Forget drops a cached token.
func (c *CachingVerifier) Forget(token string) {
	c.cache.Remove(token)
}
