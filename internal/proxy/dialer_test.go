package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedsharma/apicli/internal/model"
)

type rwBuffer struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (b *rwBuffer) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuffer) Write(p []byte) (int, error) { return b.out.Write(p) }

func TestSocks4Handshake_IPv4(t *testing.T) {
	rw := &rwBuffer{in: bytes.NewReader([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})}

	require.NoError(t, socks4Handshake(rw, "10.1.2.3", 8080, "bob"))

	want := []byte{0x04, 0x01, 0x1F, 0x90, 10, 1, 2, 3, 'b', 'o', 'b', 0}
	assert.Equal(t, want, rw.out.Bytes())
}

func TestSocks4Handshake_Hostname(t *testing.T) {
	rw := &rwBuffer{in: bytes.NewReader([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})}

	require.NoError(t, socks4Handshake(rw, "example.com", 80, ""))

	want := append([]byte{0x04, 0x01, 0x00, 0x50, 0, 0, 0, 1, 0}, append([]byte("example.com"), 0)...)
	assert.Equal(t, want, rw.out.Bytes())
}

func TestSocks4Handshake_Rejected(t *testing.T) {
	rw := &rwBuffer{in: bytes.NewReader([]byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0})}

	err := socks4Handshake(rw, "10.1.2.3", 80, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestSocks4Dialer_EndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		head := make([]byte, 8)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		// drain user id terminator
		one := make([]byte, 1)
		for {
			if _, err := conn.Read(one); err != nil || one[0] == 0 {
				break
			}
		}
		_, _ = conn.Write([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
		_, _ = conn.Write([]byte("pong"))
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	d, err := SOCKSDialer(&model.Proxy{Host: host, Port: port, Protocol: model.ProxySOCKS4}, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", "10.0.0.1:80")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestSOCKSDialer_Protocols(t *testing.T) {
	_, err := SOCKSDialer(&model.Proxy{Host: "127.0.0.1", Port: 1080, Protocol: model.ProxySOCKS5, Username: "u", Password: "p"}, time.Second)
	assert.NoError(t, err)

	_, err = SOCKSDialer(&model.Proxy{Host: "127.0.0.1", Port: 8080, Protocol: model.ProxyHTTP}, time.Second)
	assert.Error(t, err)

	_, err = SOCKSDialer(nil, time.Second)
	assert.Error(t, err)
}

func TestIsSOCKS(t *testing.T) {
	assert.True(t, IsSOCKS(&model.Proxy{Protocol: model.ProxySOCKS4}))
	assert.True(t, IsSOCKS(&model.Proxy{Protocol: model.ProxySOCKS5}))
	assert.False(t, IsSOCKS(&model.Proxy{Protocol: model.ProxyHTTPS}))
	assert.False(t, IsSOCKS(nil))
}
