package tester

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"

	"Proxy_Node_Selector_Go/pkg/model"

	"github.com/rs/zerolog"
)

const (
	// DefaultLatencyTimeout 连接及读取首字节的超时时间
	DefaultLatencyTimeout = 8 * time.Second
	// DefaultLatencyUserAgent 延迟测试使用的 User-Agent
	DefaultLatencyUserAgent = "latency-test/1.0"
	// latencyReadBytes 只读取这么多响应体字节，确认响应已经开始
	latencyReadBytes = 1024
)

// LatencyProbe 通过一次最小的 HTTP(S) GET 测量往返延迟，可经由环境变量声明的代理隧道
type LatencyProbe struct {
	Resolver  ProxyResolver
	Timeout   time.Duration
	UserAgent string
	// TLSConfig 为空时使用系统默认根证书
	TLSConfig *tls.Config
	Log       zerolog.Logger
	// OnResult 在每个目标测试完成后调用
	OnResult func(url string, res model.LatencyResult)

	now func() time.Time
}

// NewLatencyProbe 创建延迟探测器，resolver 为 nil 时总是直连
func NewLatencyProbe(resolver ProxyResolver) *LatencyProbe {
	if resolver == nil {
		resolver = DirectResolver
	}
	return &LatencyProbe{
		Resolver:  resolver,
		Timeout:   DefaultLatencyTimeout,
		UserAgent: DefaultLatencyUserAgent,
		Log:       zerolog.Nop(),
		now:       time.Now,
	}
}

// MeasureLatency 依次测试每个 URL 并返回平均延迟（毫秒）。
// 任意一个目标失败即中止整个批次，之后的目标不再测试。
func (p *LatencyProbe) MeasureLatency(ctx context.Context, urls []string) (float64, error) {
	if len(urls) == 0 {
		return 0, ErrNoTargets
	}

	var total float64
	counter := 0
	for _, u := range urls {
		res := p.Probe(ctx, u)
		if p.OnResult != nil {
			p.OnResult(u, res)
		}
		if !res.Success {
			return 0, &TargetError{Target: u, Kind: ErrLatencyFailed, Err: res.Err}
		}
		total += res.ElapsedMs
		counter++
	}
	return round2(total / float64(counter)), nil
}

// Probe 测试单个 URL 的延迟。任何状态码都视为成功。
func (p *LatencyProbe) Probe(ctx context.Context, rawURL string) model.LatencyResult {
	status, elapsed, err := p.probe(ctx, rawURL)
	if err != nil {
		p.Log.Debug().Str("url", rawURL).Err(err).Msg("latency probe failed")
		return model.LatencyResult{Success: false, ElapsedMs: -1, Err: err}
	}
	return model.LatencyResult{Success: true, StatusCode: status, ElapsedMs: elapsed}
}

func (p *LatencyProbe) probe(ctx context.Context, rawURL string) (int, float64, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return 0, 0, fmt.Errorf("解析 URL 失败: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return 0, 0, fmt.Errorf("不支持的协议: %q", target.Scheme)
	}
	if target.Host == "" {
		return 0, 0, fmt.Errorf("URL 缺少主机名: %s", rawURL)
	}

	route, err := p.Resolver.Resolve(target)
	if err != nil {
		return 0, 0, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultLatencyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.clock()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialTarget(ctx, dialer, target, route, p.TLSConfig)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	if route != nil {
		p.Log.Debug().Str("url", rawURL).Str("proxy", route.Addr()).Msg("tunnel established")
	}

	path := target.RequestURI()
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Scheme+"://"+target.Host+path, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", p.UserAgent)
	req.Close = true
	if err := req.Write(conn); err != nil {
		return 0, 0, fmt.Errorf("发送请求失败: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return 0, 0, fmt.Errorf("读取响应失败: %w", err)
	}
	// 连接随后直接关闭，无需读完响应体
	if _, err := io.CopyN(io.Discard, resp.Body, latencyReadBytes); err != nil && err != io.EOF {
		return 0, 0, fmt.Errorf("读取响应体失败: %w", err)
	}

	elapsed := p.clock().Sub(start)
	return resp.StatusCode, round2(float64(elapsed) / float64(time.Millisecond)), nil
}

func (p *LatencyProbe) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

// round2 四舍五入到两位小数
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
