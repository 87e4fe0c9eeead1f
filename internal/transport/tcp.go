package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

type tcpListener struct {
	ln net.Listener
}

// ListenTCP listens on addr, e.g. ":5000".
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

// Accept does not observe ctx beyond an initial check; callers unblock it by
// closing the listener.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means no bound beyond ctx.
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	nd := net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: 15 * time.Second,
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
