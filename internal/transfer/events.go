package transfer

import (
	"fmt"
	"time"
)

// ProgressFunc receives the session's bytes so far, its total and the file
// currently in flight. The sender calls it after every chunk, the receiver
// after every file.
type ProgressFunc func(done, total int64, file string)

// Completion is emitted exactly once per session on both sides.
type Completion struct {
	SessionID string
	Peer      string
	Direction Direction
	Files     []string

	// TotalBytes is the manifest total.
	TotalBytes int64
	// BytesTransferred counts everything the receiver holds, resumed bytes
	// included.
	BytesTransferred int64
	// SessionBytes counts only what crossed the wire in this process.
	SessionBytes int64

	Start      time.Time
	End        time.Time
	Duration   time.Duration
	Throughput float64 // bytes per second over SessionBytes

	Success  bool
	Err      error
	Attempts int
}

type CompletionFunc func(Completion)

func (c Completion) String() string {
	status := "ok"
	if !c.Success {
		status = fmt.Sprintf("failed: %v", c.Err)
	}
	return fmt.Sprintf("%s %s %d file(s) %d/%d bytes in %s (%.1f KiB/s, %d attempt(s)) %s",
		c.Direction, c.Peer, len(c.Files), c.BytesTransferred, c.TotalBytes,
		c.Duration.Round(time.Millisecond), c.Throughput/1024, c.Attempts, status)
}
