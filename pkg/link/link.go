package link

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/address"
	"github.com/securesocketfunneling/ssf-sub002/pkg/tlsconf"
)

// Link is one authenticated TLS byte stream between two peers.
type Link struct {
	*tls.Conn
	log *logrus.Entry
}

// Close does a best-effort TLS close-notify before closing the
// underlying socket.
func (l *Link) Close() error {
	l.log.Debug("closing link")
	_ = l.Conn.CloseWrite()
	return l.Conn.Close()
}

// ProxyDialer optionally performs an HTTP CONNECT traversal between
// the raw TCP connect and the TLS handshake. Nil means no proxy is
// configured.
type ProxyDialer struct {
	ProxyAddr string // host:port of the HTTP/SOCKS proxy
	Scheme    string // "http" or "socks5"; only "http" CONNECT is implemented
}

// dialPhysical opens the TCP connection described by stack's lowest
// layer, traversing a proxy first if configured.
func dialPhysical(ctx context.Context, stack address.Stack, proxy *ProxyDialer) (net.Conn, error) {
	if len(stack) == 0 {
		return nil, sferr.New(sferr.CodeDestinationAddressRequired, "empty endpoint stack")
	}
	phys := stack[0]
	host, port := phys["addr"], phys["port"]
	if host == "" || port == "" {
		return nil, sferr.New(sferr.CodeDestinationAddressRequired, "physical layer missing addr/port")
	}
	target := net.JoinHostPort(host, port)

	var d net.Dialer
	if proxy == nil || proxy.ProxyAddr == "" {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
		}
		return conn, nil
	}

	conn, err := d.DialContext(ctx, "tcp", proxy.ProxyAddr)
	if err != nil {
		return nil, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	if err := httpConnect(conn, target); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// httpConnect issues an HTTP CONNECT request and checks for a 2xx
// response, per the simplest form of HTTP proxy traversal.
func httpConnect(conn net.Conn, target string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		return sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	var major, minor, code int
	if _, err := fmt.Sscanf(status, "HTTP/%d.%d %d", &major, &minor, &code); err != nil || code/100 != 2 {
		return sferr.New(sferr.CodeNotConnected, "proxy CONNECT to %s failed: %q", target, status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return sferr.Wrap(sferr.CodeBrokenPipe, err)
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

// DialerOptions configures Connect.
type DialerOptions struct {
	TLS      tlsconf.Options
	Proxy    *ProxyDialer
	Version  LinkVersion
	Log      *logrus.Entry
}

// Connect walks the endpoint stack bottom-up: TCP connect (with
// optional proxy CONNECT), TLS handshake as client with peer-cert
// verification, then send the local link version.
func Connect(ctx context.Context, stack address.Stack, opt DialerOptions) (*Link, error) {
	raw, err := dialPhysical(ctx, stack, opt.Proxy)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsconf.BuildConfig(opt.TLS)
	if err != nil {
		raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, sferr.Wrap(sferr.CodeProtocolNotSupported, err)
	}
	if err := WriteLinkVersion(conn, opt.Version); err != nil {
		conn.Close()
		return nil, err
	}
	return &Link{Conn: conn, log: logEntry(opt.Log).WithField("link_id", uuid.NewString())}, nil
}

// AcceptorOptions configures Accept.
type AcceptorOptions struct {
	TLS     tlsconf.Options
	Version LinkVersion
	Log     *logrus.Entry
}

// Accept completes the server side of the handshake over an already
// TCP-accepted connection: TLS handshake as server, read the remote
// version, compare, and abort on mismatch.
func Accept(ctx context.Context, raw net.Conn, opt AcceptorOptions) (*Link, error) {
	tlsCfg, err := tlsconf.BuildConfig(opt.TLS)
	if err != nil {
		raw.Close()
		return nil, err
	}
	conn := tls.Server(raw, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, sferr.Wrap(sferr.CodeProtocolNotSupported, err)
	}
	remote, err := ReadLinkVersion(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := CheckLinkVersion(opt.Version, remote); err != nil {
		conn.Close()
		return nil, err
	}
	return &Link{Conn: conn, log: logEntry(opt.Log).WithField("link_id", uuid.NewString())}, nil
}

func logEntry(l *logrus.Entry) *logrus.Entry {
	if l != nil {
		return l
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
