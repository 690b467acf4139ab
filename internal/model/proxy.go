package model

import (
	"net"
	"net/url"
	"strconv"
)

// ProxyProtocol is the wire protocol spoken to a proxy
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxyHTTPS  ProxyProtocol = "https"
	ProxySOCKS4 ProxyProtocol = "socks4"
	ProxySOCKS5 ProxyProtocol = "socks5"
)

// SelectionMode chooses how a pool hands out proxies
type SelectionMode string

const (
	SelectSequential SelectionMode = "sequential"
	SelectRandom     SelectionMode = "random"
	SelectCustom     SelectionMode = "custom"
)

// Proxy is a single upstream proxy
type Proxy struct {
	ID            string        `json:"id"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Protocol      ProxyProtocol `json:"protocol"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	IsActive      bool          `json:"isActive"`
	FailureCount  int           `json:"failureCount"`
	LastLatencyMs int64         `json:"lastLatencyMs"`
}

// Address returns host:port
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy as a URL, including credentials when set
func (p Proxy) URL() *url.URL {
	scheme := string(p.Protocol)
	if scheme == "" {
		scheme = string(ProxyHTTP)
	}
	u := &url.URL{Scheme: scheme, Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// ProxyPool is an ordered list of proxies with a selection policy
type ProxyPool struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Mode           SelectionMode `json:"mode"`
	LastProxyIndex int           `json:"lastProxyIndex"`
	Proxies        []Proxy       `json:"proxies"`
}

// ActiveProxies returns the pool members with IsActive set, in pool order
func (p ProxyPool) ActiveProxies() []Proxy {
	out := make([]Proxy, 0, len(p.Proxies))
	for _, px := range p.Proxies {
		if px.IsActive {
			out = append(out, px)
		}
	}
	return out
}
