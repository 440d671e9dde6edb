package tester

import (
	"net/url"
	"testing"
)

func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy", "NO_PROXY", "no_proxy", "REQUEST_METHOD"} {
		t.Setenv(k, "")
	}
}

func TestEnvProxyResolver(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		target string
		want   *ProxyRoute
	}{
		{
			name:   "https uses HTTPS_PROXY",
			env:    map[string]string{"HTTPS_PROXY": "http://proxy.example:3128"},
			target: "https://www.example.com/",
			want:   &ProxyRoute{Host: "proxy.example", Port: 3128},
		},
		{
			name:   "lower case accepted",
			env:    map[string]string{"https_proxy": "http://10.0.0.1:7890"},
			target: "https://www.example.com/",
			want:   &ProxyRoute{Host: "10.0.0.1", Port: 7890},
		},
		{
			name:   "http uses HTTP_PROXY",
			env:    map[string]string{"HTTP_PROXY": "http://plain.example:8080", "HTTPS_PROXY": "http://secure.example:8443"},
			target: "http://www.example.com/",
			want:   &ProxyRoute{Host: "plain.example", Port: 8080},
		},
		{
			name:   "scheme mismatch is direct",
			env:    map[string]string{"HTTP_PROXY": "http://plain.example:8080"},
			target: "https://www.example.com/",
			want:   nil,
		},
		{
			name:   "default port follows https target",
			env:    map[string]string{"HTTPS_PROXY": "http://proxy.example"},
			target: "https://www.example.com/",
			want:   &ProxyRoute{Host: "proxy.example", Port: 443},
		},
		{
			name:   "default port follows http target",
			env:    map[string]string{"HTTP_PROXY": "https://proxy.example"},
			target: "http://www.example.com/",
			want:   &ProxyRoute{Host: "proxy.example", Port: 80},
		},
		{
			name:   "no proxy excludes host",
			env:    map[string]string{"HTTPS_PROXY": "http://proxy.example:3128", "NO_PROXY": "example.com"},
			target: "https://www.example.com/",
			want:   nil,
		},
		{
			name:   "loopback target is direct",
			env:    map[string]string{"HTTP_PROXY": "http://proxy.example:3128"},
			target: "http://127.0.0.1:8080/",
			want:   nil,
		},
		{
			name:   "unset is direct",
			target: "https://www.example.com/",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearProxyEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			u, err := url.Parse(tt.target)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := EnvProxyResolver{}.Resolve(u)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("route = %+v, want %+v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Fatalf("route = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestTargetAddrDefaults(t *testing.T) {
	for raw, want := range map[string]string{
		"https://example.com/x":    "example.com:443",
		"http://example.com":       "example.com:80",
		"http://example.com:8080/": "example.com:8080",
		"https://[2001:db8::1]/":   "[2001:db8::1]:443",
	} {
		u, _ := url.Parse(raw)
		if got := targetAddr(u); got != want {
			t.Fatalf("targetAddr(%s) = %s, want %s", raw, got, want)
		}
	}
}
