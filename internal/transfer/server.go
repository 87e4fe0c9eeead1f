package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "lanshare/internal/errors"
	"lanshare/internal/protocol"
	"lanshare/internal/transport"
)

const serverSource = "transfer server"

// errNoSession marks a connection that closed before sending any magic.
var errNoSession = errors.New("connection closed before handshake")

type ServerOption func(*Server)

func WithServerProgress(fn ProgressFunc) ServerOption {
	return func(s *Server) {
		s.progress = fn
	}
}

func WithServerCompletion(fn CompletionFunc) ServerOption {
	return func(s *Server) {
		s.completion = fn
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithIOTimeout bounds every socket read and write of a session.
func WithIOTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.ioTimeout = d
	}
}

func WithServerChunkSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// Server receives sessions into outputRoot. Every accepted connection is
// handled on its own goroutine.
type Server struct {
	root       string
	chunkSize  int
	ioTimeout  time.Duration
	progress   ProgressFunc
	completion CompletionFunc
	log        *zap.Logger

	// destination path -> chan closed when the holding session ends
	inflight sync.Map

	mu   sync.Mutex
	ln   transport.Listener
	done chan struct{}
	wg   sync.WaitGroup
}

func NewServer(outputRoot string, opts ...ServerOption) *Server {
	s := &Server{
		root:      outputRoot,
		chunkSize: DefaultChunkSize,
		ioTimeout: DefaultTimeouts().IO,
		log:       zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts sessions on ln until ctx is cancelled or Shutdown is called.
// It returns nil on a graceful stop, after every handler has finished.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return apperrors.FileIO(serverSource, "create output root", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
		ln.Close()
	}()

	s.log.Info("receiving", zap.Stringer("addr", ln.Addr()), zap.String("root", s.root))
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight sessions. Sessions still
// streaming are cut off and reported as failed.
func (s *Server) Shutdown() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	peer := conn.RemoteAddr().String()
	log := s.log.With(zap.String("peer", peer))
	log.Debug("connection accepted")

	sess, err := s.receive(ctx, conn, log)
	if errors.Is(err, errNoSession) {
		log.Debug("connection closed without a session")
		return
	}
	if sess == nil {
		sess = newSession(RECEIVE, nil)
		sess.setAttempt(1)
	}
	comp := sess.complete(peer, err)
	if err != nil {
		log.Warn("session failed",
			zap.String("session", comp.SessionID),
			zap.Int64("received", comp.BytesTransferred),
			zap.Int64("total", comp.TotalBytes),
			zap.Error(err))
	} else {
		log.Info("session complete",
			zap.String("session", comp.SessionID),
			zap.Int("files", len(comp.Files)),
			zap.Int64("bytes", comp.TotalBytes),
			zap.Duration("took", comp.Duration))
	}
	if s.completion != nil {
		s.completion(comp)
	}
}

func (s *Server) receive(ctx context.Context, conn transport.Conn, log *zap.Logger) (*Session, error) {
	s.deadline(conn.SetReadDeadline)
	br := bufio.NewReaderSize(conn, s.chunkSize)

	v, err := protocol.ReadMagic(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNoSession
		}
		return nil, wireError(serverSource, "read magic", err)
	}
	h, err := protocol.ReadManifest(br, v)
	if err != nil {
		return nil, wireError(serverSource, "read manifest", err)
	}

	entries := make([]FileEntry, len(h.Files))
	dests := make([]string, len(h.Files))
	seen := make(map[string]struct{}, len(h.Files))
	for i, f := range h.Files {
		if _, dup := seen[f.Path]; dup {
			err := apperrors.Protocol(serverSource, fmt.Sprintf("duplicate path %q", f.Path), nil)
			s.refuse(conn, br, h, log)
			return nil, err
		}
		seen[f.Path] = struct{}{}
		dest, err := destPath(s.root, f.Path)
		if err != nil {
			s.refuse(conn, br, h, log)
			return nil, apperrors.Protocol(serverSource, "resolve destination", err)
		}
		entries[i] = FileEntry{RelPath: f.Path, LocalPath: dest, Size: int64(f.Size), Digest: f.Digest}
		dests[i] = dest
	}

	sess := newSession(RECEIVE, entries)
	sess.setAttempt(1)
	sess.setState(HANDSHAKE)
	log.Info("handshake",
		zap.String("session", sess.id),
		zap.Stringer("variant", v),
		zap.Int("files", len(entries)),
		zap.Uint64("bytes", h.TotalSize()))

	release, err := s.claim(ctx, dests)
	if err != nil {
		return sess, apperrors.Connection(serverSource, "destination busy with another session", err)
	}
	defer release()

	acks := make([]uint64, len(entries))
	complete := make([]bool, len(entries))
	if v == protocol.Resumable {
		for i := range h.Files {
			acks[i], complete[i], err = ackOffset(entries[i].LocalPath, h.Files[i])
			if err != nil {
				s.refuse(conn, br, h, log)
				return sess, apperrors.FileIO(serverSource, "inspect "+entries[i].RelPath, err)
			}
		}
		s.deadline(conn.SetWriteDeadline)
		if err := protocol.WriteOffsets(conn, acks); err != nil {
			return sess, apperrors.Connection(serverSource, "write acknowledged offsets", err)
		}
		log.Debug("offsets acknowledged", zap.Uint64s("requested", offsetsOf(h)), zap.Uint64s("acknowledged", acks))
	}
	sess.resumeFrom(acks)

	// Bytes still expected on the wire, so a failed session can be drained.
	var expected int64
	for i, e := range entries {
		expected += e.Size - int64(acks[i])
	}
	cr := &countingReader{r: br}

	sess.setState(RECEIVING)
	buf := make([]byte, s.chunkSize)
	for i := range entries {
		if !complete[i] {
			if err := s.receiveFile(conn, cr, sess, i, acks[i], v == protocol.Resumable, buf); err != nil {
				if !apperrors.Is(err, apperrors.ErrConnection) {
					s.reportFailure(conn, cr, expected-cr.n, log)
				}
				return sess, err
			}
		}
		if s.progress != nil {
			s.progress(sess.transferred(), sess.total, entries[i].RelPath)
		}
	}

	s.deadline(conn.SetWriteDeadline)
	if err := protocol.WriteStatus(conn, true); err != nil {
		return sess, apperrors.Connection(serverSource, "write receipt", err)
	}
	return sess, nil
}

// refuse answers a handshake the receiver cannot serve so the sender gives
// up instead of retrying. Resumable senders read a rejection in place of
// offsets; the others stream their data first and then read ER.
func (s *Server) refuse(conn transport.Conn, r io.Reader, h *protocol.Handshake, log *zap.Logger) {
	if h.Variant == protocol.Resumable {
		s.deadline(conn.SetWriteDeadline)
		if err := protocol.WriteRejection(conn, len(h.Files)); err != nil {
			log.Debug("rejection not delivered", zap.Error(err))
		}
		return
	}
	s.reportFailure(conn, r, int64(h.TotalSize()), log)
}

// reportFailure discards the n data bytes the sender still has in flight,
// then replies ER.
func (s *Server) reportFailure(conn transport.Conn, r io.Reader, n int64, log *zap.Logger) {
	buf := make([]byte, s.chunkSize)
	for n > 0 {
		s.deadline(conn.SetReadDeadline)
		m, err := io.ReadFull(r, buf[:min(int64(len(buf)), n)])
		n -= int64(m)
		if err != nil {
			log.Debug("sender went away before the failure receipt", zap.Error(err))
			return
		}
	}
	s.deadline(conn.SetWriteDeadline)
	if err := protocol.WriteStatus(conn, false); err != nil {
		log.Debug("failure receipt not delivered", zap.Error(err))
	}
}

// claim gives the caller exclusive use of the destination paths until
// release is called. A retried session waits here while the handler of the
// connection it replaced still holds the same partials.
func (s *Server) claim(ctx context.Context, paths []string) (release func(), err error) {
	if s.ioTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ioTimeout)
		defer cancel()
	}

	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	var held []string
	release = func() {
		for _, p := range held {
			if ch, ok := s.inflight.LoadAndDelete(p); ok {
				close(ch.(chan struct{}))
			}
		}
	}
	for _, p := range sorted {
		for {
			ch := make(chan struct{})
			prev, loaded := s.inflight.LoadOrStore(p, ch)
			if !loaded {
				held = append(held, p)
				break
			}
			select {
			case <-prev.(chan struct{}):
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			}
		}
	}
	return release, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// receiveFile appends the rest of file idx to its partial, starting at from,
// and moves it into place once complete.
func (s *Server) receiveFile(conn transport.Conn, r io.Reader, sess *Session, idx int, from uint64, verify bool, buf []byte) error {
	entry := sess.files[idx]
	if err := os.MkdirAll(filepath.Dir(entry.LocalPath), 0o755); err != nil {
		return apperrors.FileIO(serverSource, "create directory for "+entry.RelPath, err)
	}

	partial := partialPath(entry.LocalPath)
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.FileIO(serverSource, "open "+partial, err)
	}
	defer file.Close()
	if err := file.Truncate(int64(from)); err != nil {
		return apperrors.FileIO(serverSource, "truncate "+partial, err)
	}
	if _, err := file.Seek(int64(from), io.SeekStart); err != nil {
		return apperrors.FileIO(serverSource, "seek "+partial, err)
	}

	remaining := entry.Size - int64(from)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		s.deadline(conn.SetReadDeadline)
		m, rerr := io.ReadFull(r, buf[:n])
		if m > 0 {
			if _, err := file.Write(buf[:m]); err != nil {
				return apperrors.FileIO(serverSource, "write "+partial, err)
			}
			remaining -= int64(m)
			sess.advance(idx, int64(m))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			return apperrors.Connection(serverSource,
				fmt.Sprintf("stream ended with %d bytes of %s outstanding", remaining, entry.RelPath), rerr)
		}
	}
	if err := file.Close(); err != nil {
		return apperrors.FileIO(serverSource, "close "+partial, err)
	}

	if verify {
		sum, err := hashFile(partial)
		if err != nil {
			return apperrors.FileIO(serverSource, "hash "+partial, err)
		}
		if sum != entry.Digest {
			os.Remove(partial)
			return apperrors.Protocol(serverSource, "digest mismatch for "+entry.RelPath, nil)
		}
	}
	if err := os.Rename(partial, entry.LocalPath); err != nil {
		return apperrors.FileIO(serverSource, "rename "+partial, err)
	}
	return nil
}

func (s *Server) deadline(set func(time.Time) error) {
	if s.ioTimeout > 0 {
		set(time.Now().Add(s.ioTimeout))
	}
}
