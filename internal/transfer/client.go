package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "lanshare/internal/errors"
	"lanshare/internal/pause"
	"lanshare/internal/protocol"
	"lanshare/internal/retry"
	"lanshare/internal/transport"
)

const (
	DefaultChunkSize = 64 * 1024
	clientSource     = "transfer client"
)

// Timeouts bound the blocking socket operations of a session.
type Timeouts struct {
	Connect time.Duration
	IO      time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 10 * time.Second, IO: 60 * time.Second}
}

var ErrBusy = errors.New("transfer: client already has a session in flight")

type ClientOption func(*Client)

func WithVariant(v protocol.Variant) ClientOption {
	return func(c *Client) {
		c.variant = v
	}
}

func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

func WithTimeouts(t Timeouts) ClientOption {
	return func(c *Client) {
		c.timeouts = t
	}
}

// WithDialer replaces the default TCP dialer.
func WithDialer(d transport.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithProgress(fn ProgressFunc) ClientOption {
	return func(c *Client) {
		c.progress = fn
	}
}

func WithCompletion(fn CompletionFunc) ClientOption {
	return func(c *Client) {
		c.completion = fn
	}
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// WithGate shares an externally owned pause gate.
func WithGate(g *pause.Gate) ClientOption {
	return func(c *Client) {
		c.gate = g
	}
}

// WithResumeExisting makes the first attempt of a resumable session ask for
// the whole file, so partials left by an earlier run are picked up.
func WithResumeExisting(on bool) ClientOption {
	return func(c *Client) {
		c.resumeExisting = on
	}
}

// WithSleep replaces the backoff timer.
func WithSleep(fn retry.SleepFunc) ClientOption {
	return func(c *Client) {
		c.sleep = fn
	}
}

// Client sends files to one receiver address. It runs one session at a time.
type Client struct {
	addr           string
	variant        protocol.Variant
	policy         retry.Policy
	chunkSize      int
	timeouts       Timeouts
	dialer         transport.Dialer
	progress       ProgressFunc
	completion     CompletionFunc
	log            *zap.Logger
	gate           *pause.Gate
	resumeExisting bool
	sleep          retry.SleepFunc

	mu      sync.Mutex
	session *Session
	busy    bool
}

func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:      addr,
		variant:   protocol.Resumable,
		policy:    retry.DefaultPolicy(),
		chunkSize: DefaultChunkSize,
		timeouts:  DefaultTimeouts(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate == nil {
		c.gate = pause.New()
	}
	if c.dialer == nil {
		c.dialer = &transport.TCPDialer{Timeout: c.timeouts.Connect}
	}
	c.log = c.log.With(zap.String("peer", addr))
	return c
}

func (c *Client) SendSingleFile(ctx context.Context, path string) (Completion, error) {
	entries, err := collectFiles([]string{path})
	if err != nil {
		return c.reject(err)
	}
	return c.send(ctx, entries)
}

func (c *Client) SendMultipleFiles(ctx context.Context, paths []string) (Completion, error) {
	entries, err := collectFiles(paths)
	if err != nil {
		return c.reject(err)
	}
	return c.send(ctx, entries)
}

func (c *Client) SendDirectory(ctx context.Context, root string) (Completion, error) {
	entries, err := collectDirectory(root)
	if err != nil {
		return c.reject(err)
	}
	return c.send(ctx, entries)
}

// Pause holds the chunk loop before its next write.
func (c *Client) Pause() {
	c.gate.Pause()
	if s := c.current(); s != nil {
		s.setPaused(true)
	}
}

func (c *Client) Resume() {
	if s := c.current(); s != nil {
		s.setPaused(false)
	}
	c.gate.Resume()
}

// TogglePause flips the gate and reports whether it is now paused.
func (c *Client) TogglePause() bool {
	if c.gate.Paused() {
		c.Resume()
		return false
	}
	c.Pause()
	return true
}

func (c *Client) State() State {
	if s := c.current(); s != nil {
		return s.Snapshot().State
	}
	return IDLE
}

// Session returns a snapshot of the current or most recent session.
func (c *Client) Session() (Snapshot, bool) {
	if s := c.current(); s != nil {
		return s.Snapshot(), true
	}
	return Snapshot{}, false
}

func (c *Client) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// reject reports a session that failed before it could start.
func (c *Client) reject(err error) (Completion, error) {
	sess := newSession(SEND, nil)
	sess.setAttempt(1)
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	comp := sess.complete(c.addr, err)
	c.emit(comp)
	return comp, err
}

func (c *Client) send(ctx context.Context, entries []FileEntry) (Completion, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Completion{}, ErrBusy
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	if c.variant == protocol.Legacy && len(entries) != 1 {
		return c.reject(apperrors.Protocol(clientSource,
			fmt.Sprintf("legacy variant sends exactly one file, got %d", len(entries)), nil))
	}
	if c.variant == protocol.Resumable {
		if err := digestEntries(entries); err != nil {
			return c.reject(err)
		}
	}

	sess := newSession(SEND, entries)
	if c.gate.Paused() {
		sess.setPaused(true)
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	if c.resumeExisting && c.variant == protocol.Resumable {
		full := make([]uint64, len(entries))
		for i, e := range entries {
			full[i] = uint64(e.Size)
		}
		sess.resumeFrom(full)
	}

	opts := []retry.Option{retry.WithLogger(c.log)}
	if c.sleep != nil {
		opts = append(opts, retry.WithSleep(c.sleep))
	}
	ctrl := retry.New(c.policy, opts...)

	c.log.Info("starting session",
		zap.String("session", sess.id),
		zap.Stringer("variant", c.variant),
		zap.Int("files", len(entries)),
		zap.Int64("bytes", sess.total))

	_, err := ctrl.Do(ctx, func(ctx context.Context, attempt int) error {
		sess.setAttempt(attempt)
		err := c.attempt(ctx, sess)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	})

	comp := sess.complete(c.addr, err)
	if err != nil {
		c.log.Warn("session failed", zap.String("session", sess.id), zap.Int("attempts", comp.Attempts), zap.Error(err))
	} else {
		c.log.Info("session complete", zap.String("session", sess.id), zap.Duration("took", comp.Duration))
	}
	c.emit(comp)
	return comp, err
}

func (c *Client) emit(comp Completion) {
	if c.completion != nil {
		c.completion(comp)
	}
}

// attempt runs one session on a fresh connection, from handshake to the
// receiver's final status.
func (c *Client) attempt(ctx context.Context, sess *Session) error {
	sess.setState(CONNECTING)
	conn, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return apperrors.Connection(clientSource, "connect to "+c.addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess.setState(HANDSHAKE)
	h := sess.handshake(c.variant)
	if c.variant != protocol.Resumable {
		// Without offsets every attempt starts over.
		sess.resumeFrom(nil)
		for i := range h.Files {
			h.Files[i].Offset = 0
		}
	}

	c.deadline(conn.SetWriteDeadline)
	bw := bufio.NewWriterSize(conn, c.chunkSize)
	if err := protocol.WriteHandshake(bw, h); err != nil {
		return wireError(clientSource, "write handshake", err)
	}
	if err := bw.Flush(); err != nil {
		return apperrors.Connection(clientSource, "write handshake", err)
	}

	acks := make([]uint64, len(h.Files))
	if c.variant == protocol.Resumable {
		c.deadline(conn.SetReadDeadline)
		acks, err = protocol.ReadOffsets(conn, len(h.Files))
		if err != nil {
			return apperrors.Connection(clientSource, "read acknowledged offsets", err)
		}
		if protocol.Refused(acks) {
			return apperrors.Protocol(clientSource, "receiver refused the session", nil)
		}
		for i, ack := range acks {
			f := h.Files[i]
			if ack > f.Offset || ack > f.Size {
				return apperrors.Protocol(clientSource,
					fmt.Sprintf("receiver acknowledged %d for %s, requested %d of %d", ack, f.Path, f.Offset, f.Size), nil)
			}
		}
		c.log.Debug("offsets negotiated", zap.Uint64s("requested", offsetsOf(h)), zap.Uint64s("acknowledged", acks))
	}
	sess.resumeFrom(acks)

	sess.setState(SENDING)
	buf := make([]byte, c.chunkSize)
	for i := range h.Files {
		if err := c.sendFile(ctx, conn, sess, i, acks[i], buf); err != nil {
			return err
		}
	}

	c.deadline(conn.SetReadDeadline)
	ok, err := protocol.ReadStatus(conn)
	if err != nil {
		return wireError(clientSource, "read receipt", err)
	}
	if !ok {
		return apperrors.Protocol(clientSource, "receiver rejected the session", nil)
	}
	return nil
}

func (c *Client) sendFile(ctx context.Context, conn transport.Conn, sess *Session, idx int, from uint64, buf []byte) error {
	entry := sess.files[idx]
	remaining := entry.Size - int64(from)
	if remaining <= 0 {
		return nil
	}

	file, err := os.Open(entry.LocalPath)
	if err != nil {
		return apperrors.FileIO(clientSource, "open "+entry.LocalPath, err)
	}
	defer file.Close()
	if from > 0 {
		if _, err := file.Seek(int64(from), io.SeekStart); err != nil {
			return apperrors.FileIO(clientSource, "seek "+entry.LocalPath, err)
		}
	}

	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(file, buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return apperrors.FileIO(clientSource, entry.LocalPath+" shrank while sending", err)
			}
			return apperrors.FileIO(clientSource, "read "+entry.LocalPath, err)
		}

		if err := c.waitGate(ctx, sess); err != nil {
			return err
		}

		c.deadline(conn.SetWriteDeadline)
		if _, err := conn.Write(buf[:n]); err != nil {
			return apperrors.Connection(clientSource, "write "+entry.RelPath, err)
		}
		remaining -= n
		done := sess.advance(idx, n)
		if c.progress != nil {
			c.progress(done, sess.total, entry.RelPath)
		}
	}
	return nil
}

func (c *Client) waitGate(ctx context.Context, sess *Session) error {
	if !c.gate.Paused() {
		return nil
	}
	sess.setState(PAUSED)
	c.log.Info("paused", zap.Int64("sent", sess.transferred()))
	if _, err := c.gate.Wait(ctx); err != nil {
		return err
	}
	sess.setState(SENDING)
	c.log.Info("resumed", zap.Int64("sent", sess.transferred()))
	return nil
}

func (c *Client) deadline(set func(time.Time) error) {
	if c.timeouts.IO > 0 {
		set(time.Now().Add(c.timeouts.IO))
	}
}

// wireError classifies a codec failure: layout violations are protocol
// errors, everything else came from the socket.
func wireError(source, msg string, err error) error {
	if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrBadMagic) {
		return apperrors.Protocol(source, msg, err)
	}
	return apperrors.Connection(source, msg, err)
}

func offsetsOf(h *protocol.Handshake) []uint64 {
	out := make([]uint64, len(h.Files))
	for i, f := range h.Files {
		out[i] = f.Offset
	}
	return out
}
