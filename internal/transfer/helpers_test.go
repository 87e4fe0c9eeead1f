package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"lanshare/internal/transport"
)

var errInjectedReset = errors.New("connection reset by test harness")

func startServer(t *testing.T, root string, opts ...ServerOption) string {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return serveOn(t, ln, root, opts...)
}

func serveOn(t *testing.T, ln transport.Listener, root string, opts ...ServerOption) string {
	t.Helper()
	srv := NewServer(root, append([]ServerOption{WithServerLogger(zaptest.NewLogger(t))}, opts...)...)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		srv.Shutdown()
		if err := <-errc; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String()
}

type completions chan Completion

func newCompletions() completions {
	return make(completions, 16)
}

func (c completions) record(comp Completion) {
	c <- comp
}

func (c completions) next(t *testing.T) Completion {
	t.Helper()
	select {
	case comp := <-c:
		return comp
	case <-time.After(10 * time.Second):
		t.Fatal("no completion emitted")
		return Completion{}
	}
}

// none fails if another completion shows up within d.
func (c completions) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case comp := <-c:
		t.Errorf("unexpected completion %+v", comp)
	case <-time.After(d):
	}
}

type sleepRecorder struct {
	slept []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

// nextSuccess skips failed records until a successful one arrives.
func (c completions) nextSuccess(t *testing.T) (Completion, []Completion) {
	t.Helper()
	var failed []Completion
	for {
		comp := c.next(t)
		if comp.Success {
			return comp, failed
		}
		failed = append(failed, comp)
	}
}

func writeRandom(t *testing.T, path string, size int, seed int64) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return data
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s differs from source (%d bytes vs %d)", path, len(got), len(want))
	}
}

// countingConn counts bytes written and, when limit is set, cuts the
// connection once that many bytes have gone out.
type countingConn struct {
	transport.Conn
	written *atomic.Int64
	limit   int64
}

func (c *countingConn) Write(p []byte) (int, error) {
	if c.limit > 0 {
		left := c.limit - c.written.Load()
		if left <= 0 {
			c.Conn.Close()
			return 0, errInjectedReset
		}
		if int64(len(p)) > left {
			n, _ := c.Conn.Write(p[:left])
			c.written.Add(int64(n))
			c.Conn.Close()
			return n, errInjectedReset
		}
	}
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

func countingDialer(written *atomic.Int64) transport.Dialer {
	d := &transport.TCPDialer{Timeout: 5 * time.Second}
	return transport.DialerFunc(func(ctx context.Context, addr string) (transport.Conn, error) {
		conn, err := d.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &countingConn{Conn: conn, written: written}, nil
	})
}
