package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout 控制器 API 请求超时
const DefaultTimeout = 10 * time.Second

// ProxyGroup 是 /proxies 返回的单个代理或代理组
type ProxyGroup struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

// ProxiesResponse 是 GET /proxies 的响应
type ProxiesResponse struct {
	Proxies map[string]ProxyGroup `json:"proxies"`
}

// Client 是代理管理 API（Clash 兼容控制器）的客户端
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewClient 创建控制器客户端，apiKey 为空时不带 Authorization 头
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc: &http.Client{
			Timeout: DefaultTimeout,
			// 控制器通常在本机，不走环境变量中的代理
			Transport: &http.Transport{Proxy: nil},
		},
	}
}

// Proxies 获取全部代理及代理组
func (c *Client) Proxies(ctx context.Context) (*ProxiesResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/proxies", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("获取节点列表失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("获取节点列表失败: %s", readStatus(resp))
	}
	var out ProxiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析节点列表失败: %w", err)
	}
	return &out, nil
}

// Group 返回指定代理组的全部节点及当前选中的节点
func (c *Client) Group(ctx context.Context, selector string) ([]string, string, error) {
	proxies, err := c.Proxies(ctx)
	if err != nil {
		return nil, "", err
	}
	group, ok := proxies.Proxies[selector]
	if !ok {
		return nil, "", fmt.Errorf("代理组 %q 不存在", selector)
	}
	return group.All, group.Now, nil
}

// SelectNode 将代理组切换到指定节点，返回 HTTP 状态码。
// 切换成功时状态码为 204，参见 IsSwitched。
func (c *Client) SelectNode(ctx context.Context, selector, node string) (int, error) {
	body, err := json.Marshal(map[string]string{"name": node})
	if err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/proxies/"+url.PathEscape(selector), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("切换节点失败: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// IsSwitched 判断 SelectNode 返回的状态码是否表示切换成功
func IsSwitched(status int) bool {
	return status == http.StatusNoContent
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// readStatus 返回状态码及截断后的响应体，用于错误信息
func readStatus(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	if len(b) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s, 响应: %s", resp.Status, strings.TrimSpace(string(b)))
}
