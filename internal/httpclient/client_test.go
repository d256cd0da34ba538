package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	client, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", client.Timeout, DefaultTimeout)
	}
}

func TestNewWithTimeout(t *testing.T) {
	client, err := New(Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", client.Timeout)
	}
}

func TestHasProxy(t *testing.T) {
	var nilCfg *ProxyConfig
	if nilCfg.HasProxy() {
		t.Error("nil config should not report a proxy")
	}
	if (&ProxyConfig{}).HasProxy() {
		t.Error("empty config should not report a proxy")
	}
	if !(&ProxyConfig{HTTPProxy: "http://proxy:3128"}).HasProxy() {
		t.Error("http proxy not detected")
	}
	if !(&ProxyConfig{SOCKS5Proxy: "socks5://proxy:1080"}).HasProxy() {
		t.Error("socks5 proxy not detected")
	}
}

func TestShouldBypassProxy(t *testing.T) {
	tests := []struct {
		host    string
		noProxy string
		want    bool
	}{
		{"registry.local:9443", "", false},
		{"registry.local:9443", "registry.local", true},
		{"registry.local", "*", true},
		{"api.example.com", ".example.com", true},
		{"api.example.com", "example.com", true},
		{"example.org", "example.com", false},
		{"localhost:9000", "localhost, registry.local", true},
	}
	for _, tt := range tests {
		if got := shouldBypassProxy(tt.host, tt.noProxy); got != tt.want {
			t.Errorf("shouldBypassProxy(%q, %q) = %v, want %v", tt.host, tt.noProxy, got, tt.want)
		}
	}
}

func TestProxyURLForScheme(t *testing.T) {
	cfg := &ProxyConfig{HTTPProxy: "http://h:3128", HTTPSProxy: "http://s:3128"}

	req, _ := http.NewRequest(http.MethodGet, "https://registry.local/api/stacks", nil)
	u, err := proxyURLFor(req, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Host != "s:3128" {
		t.Errorf("https request should use https proxy, got %v", u)
	}

	req, _ = http.NewRequest(http.MethodGet, "http://registry.local/api/stacks", nil)
	u, err = proxyURLFor(req, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Host != "h:3128" {
		t.Errorf("http request should use http proxy, got %v", u)
	}
}
