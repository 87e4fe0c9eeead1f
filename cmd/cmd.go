package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"lanshare/internal/transfer"
)

// Controller is the part of a transfer client the console drives.
type Controller interface {
	TogglePause() bool
	Session() (transfer.Snapshot, bool)
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Available commands:")
	fmt.Fprintln(w, "  p, pause     - Pause or resume the transfer.")
	fmt.Fprintln(w, "  s, status    - Show session progress.")
	fmt.Fprintln(w, "  q, quit      - Abort the transfer.")
	fmt.Fprintln(w, "  help         - Show this help message.")
}

// processCommand runs one console line. It returns false once the user has
// asked to abort.
func processCommand(w io.Writer, input string, ctl Controller, abort func()) bool {
	args := strings.Fields(input)
	if len(args) == 0 {
		return true
	}

	switch strings.ToLower(args[0]) {
	case "p", "pause", "resume":
		if ctl.TogglePause() {
			fmt.Fprintln(w, "\npaused; type p to resume")
		} else {
			fmt.Fprintln(w, "\nresumed")
		}

	case "s", "status":
		snap, ok := ctl.Session()
		if !ok {
			fmt.Fprintln(w, "no session yet")
			return true
		}
		fmt.Fprintf(w, "\n%s %s %.1f%% (%s / %s) attempt %d, %s/s\n",
			shortID(snap.ID), snap.State, snap.Progress(),
			humanBytes(snap.BytesTransferred), humanBytes(snap.TotalBytes),
			snap.Attempts, humanBytes(int64(snap.Speed)))

	case "q", "quit":
		fmt.Fprintln(w, "\naborting...")
		abort()
		return false

	case "help":
		printHelp(w)

	default:
		fmt.Fprintln(w, "Unknown command. Type 'help' for a list of commands.")
	}
	return true
}

// Console reads commands from in until it is exhausted, ctx ends or the
// user aborts.
func Console(ctx context.Context, in io.Reader, ctl Controller, abort func()) {
	consoleLoop(ctx, in, os.Stderr, ctl, abort)
}

func consoleLoop(ctx context.Context, in io.Reader, out io.Writer, ctl Controller, abort func()) {
	reader := bufio.NewReader(in)
	for ctx.Err() == nil {
		input, err := reader.ReadString('\n')
		if strings.TrimSpace(input) != "" && ctx.Err() == nil {
			if !processCommand(out, input, ctl, abort) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
