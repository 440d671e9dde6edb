package tester

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ProxyRoute 是隧道代理的地址
type ProxyRoute struct {
	Host string
	Port int
}

// Addr 返回 host:port 形式的地址
func (r ProxyRoute) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ProxyResolver 根据目标 URL 决定是否经由代理隧道连接。
// 返回 nil 表示直连。
type ProxyResolver interface {
	Resolve(target *url.URL) (*ProxyRoute, error)
}

// ProxyResolverFunc 将普通函数适配为 ProxyResolver
type ProxyResolverFunc func(target *url.URL) (*ProxyRoute, error)

func (f ProxyResolverFunc) Resolve(target *url.URL) (*ProxyRoute, error) {
	return f(target)
}

// DirectResolver 总是直连
var DirectResolver ProxyResolver = ProxyResolverFunc(func(*url.URL) (*ProxyRoute, error) {
	return nil, nil
})

// EnvProxyResolver 从环境变量 HTTP_PROXY / HTTPS_PROXY（大小写均可）及 NO_PROXY 中读取代理。
// 每次调用都重新读取环境变量，不做缓存。
type EnvProxyResolver struct{}

func (EnvProxyResolver) Resolve(target *url.URL) (*ProxyRoute, error) {
	proxyURL, err := httpproxy.FromEnvironment().ProxyFunc()(target)
	if err != nil {
		return nil, fmt.Errorf("解析代理环境变量失败: %w", err)
	}
	if proxyURL == nil {
		return nil, nil
	}
	return routeFromURL(proxyURL, target)
}

// routeFromURL 把代理 URL 转成隧道地址。代理未写端口时按目标的 scheme 取 80 或 443。
func routeFromURL(u, target *url.URL) (*ProxyRoute, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("代理地址缺少主机名: %s", u.Redacted())
	}
	port := 80
	if target.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("代理端口无效: %s", p)
		}
		port = n
	}
	return &ProxyRoute{Host: host, Port: port}, nil
}

// targetAddr 返回目标的 host:port，缺省端口按 scheme 推断
func targetAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// bufferedConn 让 CONNECT 响应之后已被缓冲的字节不会丢失
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// dialTarget 建立到目标的连接：有代理时先连接代理并发起 CONNECT 隧道，
// https 目标在隧道建立之后再做 TLS 握手（代理这一段不做证书校验）。
// 返回的连接已设置 ctx 的截止时间。
func dialTarget(ctx context.Context, dialer *net.Dialer, target *url.URL, route *ProxyRoute, tlsBase *tls.Config) (net.Conn, error) {
	addr := targetAddr(target)

	var conn net.Conn
	var err error
	if route != nil {
		proxyConn, err := dialer.DialContext(ctx, "tcp", route.Addr())
		if err != nil {
			return nil, fmt.Errorf("连接代理 %s 失败: %w", route.Addr(), err)
		}
		bindDeadline(ctx, proxyConn)
		// 取消时让阻塞中的 CONNECT 读写立即返回
		stop := context.AfterFunc(ctx, func() { proxyConn.SetDeadline(time.Now()) })
		conn, err = establishTunnel(proxyConn, addr)
		stop()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", ctxErr, err)
			}
			return nil, err
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		bindDeadline(ctx, conn)
	}

	if target.Scheme != "https" {
		return conn, nil
	}

	var cfg *tls.Config
	if tlsBase != nil {
		cfg = tlsBase.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = target.Hostname()
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}
	return tlsConn, nil
}

// bindDeadline 把 ctx 的截止时间设置到连接上
func bindDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
}

// establishTunnel 在已连接的代理上发送 CONNECT 请求
func establishTunnel(conn net.Conn, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("发送 CONNECT 请求失败: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("读取 CONNECT 响应失败: %w", err)
	}
	// CONNECT 成功后连接即为隧道，不读取响应体
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		conn.Close()
		return nil, fmt.Errorf("代理拒绝建立隧道: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}
