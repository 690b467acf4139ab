package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/vedsharma/apicli/internal/model"
)

// ContextDialer is the dialer shape http.Transport.DialContext expects.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// IsSOCKS reports whether p must be reached through a SOCKS dialer rather
// than http.Transport.Proxy.
func IsSOCKS(p *model.Proxy) bool {
	return p != nil && (p.Protocol == model.ProxySOCKS4 || p.Protocol == model.ProxySOCKS5)
}

// SOCKSDialer returns a dialer tunnelling connections through p.
func SOCKSDialer(p *model.Proxy, timeout time.Duration) (ContextDialer, error) {
	if p == nil {
		return nil, errors.New("proxy is nil")
	}
	forward := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	switch p.Protocol {
	case model.ProxySOCKS5:
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := xproxy.SOCKS5("tcp", p.Address(), auth, forward)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		return cd, nil
	case model.ProxySOCKS4:
		return &socks4Dialer{addr: p.Address(), userID: p.Username, forward: forward}, nil
	default:
		return nil, fmt.Errorf("unsupported socks protocol %q", p.Protocol)
	}
}

// socks4Dialer speaks SOCKS4, falling back to SOCKS4a for hostnames.
type socks4Dialer struct {
	addr    string
	userID  string
	forward *net.Dialer
}

func (d *socks4Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4: network %q not supported", network)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("socks4: invalid port %q", portStr)
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: dial proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := socks4Handshake(conn, host, uint16(port), d.userID); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func socks4Handshake(rw io.ReadWriter, host string, port uint16, userID string) error {
	req := []byte{0x04, 0x01, 0, 0}
	binary.BigEndian.PutUint16(req[2:], port)

	ip := net.ParseIP(host).To4()
	if ip != nil {
		req = append(req, ip...)
		req = append(req, userID...)
		req = append(req, 0)
	} else {
		// SOCKS4a: 0.0.0.x marks a hostname following the user id
		req = append(req, 0, 0, 0, 1)
		req = append(req, userID...)
		req = append(req, 0)
		req = append(req, host...)
		req = append(req, 0)
	}

	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("socks4: write request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(rw, resp); err != nil {
		return fmt.Errorf("socks4: read reply: %w", err)
	}
	if resp[0] != 0x00 {
		return fmt.Errorf("socks4: bad reply version %d", resp[0])
	}
	if resp[1] != 0x5A {
		return fmt.Errorf("socks4: request rejected (code 0x%02x)", resp[1])
	}
	return nil
}
