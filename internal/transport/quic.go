package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// streamAcceptTimeout bounds how long an accepted QUIC connection may
	// take to open its session stream.
	streamAcceptTimeout = 10 * time.Second
	// closeLinger bounds how long the receiving side keeps the connection
	// up after its final write so the status reaches the sender.
	closeLinger = 2 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// quicStream binds a session stream to its connection so closing one closes
// both.
type quicStream struct {
	quic.Stream
	conn   quic.Connection
	linger time.Duration
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	if s.linger > 0 {
		t := time.NewTimer(s.linger)
		select {
		case <-s.conn.Context().Done():
		case <-t.C:
		}
		t.Stop()
	}
	s.conn.CloseWithError(0, "session closed")
	return err
}

type quicListener struct {
	ln *quic.Listener
}

func ListenQUIC(addr string) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: generate TLS config: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen quic %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

// Accept returns the first stream of the next connection. Connections that
// never open a stream are dropped.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, net.ErrClosed
			}
			return nil, err
		}

		sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			conn.CloseWithError(0, "no session stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return &quicStream{Stream: stream, conn: conn, linger: closeLinger}, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

type QUICDialer struct {
	Timeout time.Duration
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}
