package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/layer-cache/layer-cache/internal/objectid"
)

// Client 按 ID 从外部源站取回对象字节。实现必须区分两类失败：
// 上游确认不存在（终态，不重试）与瞬时故障（可重试），
// 混淆两者会导致对永久缺失的无谓重试或对网络抖动的误判 404。
type Client interface {
	Fetch(ctx context.Context, id objectid.ID) ([]byte, error)
}

// ErrUpstreamNotFound 表示源站确认对象不存在，属终态结果。
var ErrUpstreamNotFound = errors.New("layer does not exist upstream")

// TransientError 表示可重试的瞬时故障（网络错误、超时、5xx、限流）。
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient origin failure: status=%d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient origin failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient 判断错误是否可按退避策略重试。
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// httpClient 通过共享 http.Client 调用源站，URL 形如 {base}/{prefix}/{id}，
// 与磁盘层的分片布局保持一致。
type httpClient struct {
	client *http.Client
	base   *url.URL
}

// NewHTTPClient 构建 HTTP 源站客户端。base 在配置校验阶段已保证可解析。
func NewHTTPClient(client *http.Client, base string) (Client, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClient{client: client, base: parsed}, nil
}

func (c *httpClient) Fetch(ctx context.Context, id objectid.ID) ([]byte, error) {
	fetchURL := c.objectURL(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		// context 取消/超时原样上抛，由协调器决定归属。
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("read origin body: %w", err)}
		}
		return payload, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUpstreamNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{Status: resp.StatusCode, Err: errors.New("origin throttled")}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode, Err: errors.New("origin server error")}
	default:
		// 其余 4xx 视为源站对该 ID 的明确拒绝，不值得重试。
		return nil, fmt.Errorf("unexpected origin status %d for %s", resp.StatusCode, id)
	}
}

func (c *httpClient) objectURL(id objectid.ID) string {
	base := strings.TrimSuffix(c.base.String(), "/")
	return base + "/" + id.Prefix() + "/" + id.String()
}
