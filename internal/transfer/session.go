package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"lanshare/internal/protocol"
)

type State int

const (
	IDLE State = iota
	CONNECTING
	HANDSHAKE
	SENDING
	PAUSED
	RECEIVING
	COMPLETED
	FAILED
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "idle"
	case CONNECTING:
		return "connecting"
	case HANDSHAKE:
		return "handshake"
	case SENDING:
		return "sending"
	case PAUSED:
		return "paused"
	case RECEIVING:
		return "receiving"
	case COMPLETED:
		return "completed"
	case FAILED:
		return "failed"
	default:
		return "unknown"
	}
}

type Direction int

const (
	SEND Direction = iota
	RECEIVE
)

func (d Direction) String() string {
	if d == RECEIVE {
		return "receive"
	}
	return "send"
}

// FileEntry is one file of a session. LocalPath is the source on the sending
// side and the final destination on the receiving side.
type FileEntry struct {
	RelPath   string
	LocalPath string
	Size      int64
	Digest    [protocol.DigestSize]byte
}

// Session tracks one logical transfer across all of its attempts.
type Session struct {
	mu sync.Mutex

	id        string
	direction Direction
	files     []FileEntry
	done      []int64 // per-file bytes delivered, as far as this side knows
	total     int64
	moved     int64 // bytes that crossed the wire in this process
	state     State
	attempts  int
	paused    bool

	start      time.Time
	lastUpdate time.Time
	speed      float64
}

func newSession(direction Direction, files []FileEntry) *Session {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	now := time.Now()
	return &Session{
		id:         uuid.NewString(),
		direction:  direction,
		files:      files,
		done:       make([]int64, len(files)),
		total:      total,
		state:      IDLE,
		start:      now,
		lastUpdate: now,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) setAttempt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = n
}

func (s *Session) setPaused(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = p
}

// resumeFrom resets per-file progress to the offsets the receiver accepted.
func (s *Session) resumeFrom(offsets []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.done {
		s.done[i] = 0
		if i < len(offsets) {
			s.done[i] = int64(offsets[i])
		}
	}
}

// advance records n more bytes of file idx and returns the session total.
func (s *Session) advance(idx int, n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[idx] += n
	s.moved += n

	now := time.Now()
	if dt := now.Sub(s.lastUpdate).Seconds(); dt > 0 {
		s.speed = float64(n) / dt
	}
	s.lastUpdate = now
	return s.transferredLocked()
}

func (s *Session) transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferredLocked()
}

func (s *Session) transferredLocked() int64 {
	var sum int64
	for _, d := range s.done {
		sum += d
	}
	return sum
}

func (s *Session) handshake(v protocol.Variant) *protocol.Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &protocol.Handshake{Variant: v, Files: make([]protocol.FileHeader, len(s.files))}
	for i, f := range s.files {
		h.Files[i] = protocol.FileHeader{
			Path:   f.RelPath,
			Size:   uint64(f.Size),
			Offset: uint64(s.done[i]),
			Digest: f.Digest,
		}
	}
	return h
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	ID               string
	Direction        Direction
	State            State
	Files            []FileEntry
	TotalBytes       int64
	BytesTransferred int64
	Attempts         int
	PauseRequested   bool
	Start            time.Time
	// Speed is the rate of the most recent chunk in bytes per second.
	Speed float64
}

// Progress returns completion as a percentage.
func (s Snapshot) Progress() float64 {
	if s.TotalBytes == 0 {
		if s.State == COMPLETED {
			return 100
		}
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.TotalBytes) * 100
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]FileEntry, len(s.files))
	copy(files, s.files)
	return Snapshot{
		ID:               s.id,
		Direction:        s.direction,
		State:            s.state,
		Files:            files,
		TotalBytes:       s.total,
		BytesTransferred: s.transferredLocked(),
		Attempts:         s.attempts,
		PauseRequested:   s.paused,
		Start:            s.start,
		Speed:            s.speed,
	}
}

// complete builds the session's completion record.
func (s *Session) complete(peer string, err error) Completion {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := time.Now()
	if err == nil {
		s.state = COMPLETED
	} else {
		s.state = FAILED
	}
	paths := make([]string, len(s.files))
	for i, f := range s.files {
		paths[i] = f.RelPath
	}
	c := Completion{
		SessionID:        s.id,
		Peer:             peer,
		Direction:        s.direction,
		Files:            paths,
		TotalBytes:       s.total,
		BytesTransferred: s.transferredLocked(),
		SessionBytes:     s.moved,
		Start:            s.start,
		End:              end,
		Duration:         end.Sub(s.start),
		Success:          err == nil,
		Err:              err,
		Attempts:         s.attempts,
	}
	if secs := c.Duration.Seconds(); secs > 0 {
		c.Throughput = float64(s.moved) / secs
	}
	return c
}
