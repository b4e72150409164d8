package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
)

// anonymizeProxy wraps a credential-less proxy behind a local forwarder
// so the backend launch config never sees the upstream address directly.
// URIs that embed credentials are returned unchanged: the forwarder
// cannot replay proxy auth, so those go to the backend raw. The
// forwarder listens on every interface and advertises advertiseHost,
// which must be an address the backend can route to; containers cannot
// reach the host's loopback. The returned closer shuts the forwarder
// down; it is nil when no forwarder was started.
func anonymizeProxy(raw, advertiseHost string) (string, io.Closer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse proxy address: %w", err)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("proxy address %q has no host", raw)
	}
	if u.User != nil {
		return raw, nil, nil
	}
	if advertiseHost == "" {
		advertiseHost = "127.0.0.1"
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", nil, fmt.Errorf("listen for proxy forwarder: %w", err)
	}

	f := &proxyForwarder{upstream: u.Host, ln: ln}
	go f.acceptLoop()

	port := ln.Addr().(*net.TCPAddr).Port
	wrapped := u.Scheme + "://" + net.JoinHostPort(advertiseHost, strconv.Itoa(port))
	slog.Info("Proxy forwarder started", "listen", ln.Addr().String(), "advertised", wrapped, "upstream", u.Host)
	return wrapped, f, nil
}

type proxyForwarder struct {
	upstream string
	ln       net.Listener

	mu     sync.Mutex
	closed bool
}

func (f *proxyForwarder) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if !closed {
				slog.Warn("Proxy forwarder accept error", "error", err)
			}
			return
		}
		go f.splice(conn)
	}
}

func (f *proxyForwarder) splice(conn net.Conn) {
	upstream, err := net.Dial("tcp", f.upstream)
	if err != nil {
		slog.Warn("Proxy forwarder dial error", "upstream", f.upstream, "error", err)
		_ = conn.Close()
		return
	}

	done := make(chan struct{}, 2)
	copy := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go copy(upstream, conn)
	go copy(conn, upstream)

	<-done
	_ = conn.Close()
	_ = upstream.Close()
	<-done
}

func (f *proxyForwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.ln.Close()
}
