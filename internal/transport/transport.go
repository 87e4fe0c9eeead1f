// Package transport supplies the point-to-point byte streams a transfer
// session runs over. TCP is the default; QUIC carries the same session on a
// single bidirectional stream.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Conn is one session's stream.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

type Listener interface {
	// Accept blocks until the next session arrives. It returns an error once
	// the listener is closed.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}

const (
	KindTCP  = "tcp"
	KindQUIC = "quic"
)

// Listen opens a listener of the named kind on addr.
func Listen(kind, addr string) (Listener, error) {
	switch strings.ToLower(kind) {
	case "", KindTCP:
		return ListenTCP(addr)
	case KindQUIC:
		return ListenQUIC(addr)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// NewDialer returns a dialer of the named kind bounded by connectTimeout.
func NewDialer(kind string, connectTimeout time.Duration) (Dialer, error) {
	switch strings.ToLower(kind) {
	case "", KindTCP:
		return &TCPDialer{Timeout: connectTimeout}, nil
	case KindQUIC:
		return &QUICDialer{Timeout: connectTimeout}, nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}
