package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"lanshare/internal/config"
	"lanshare/internal/store"
	"lanshare/internal/transfer"
)

type fakeController struct {
	paused bool
	snap   transfer.Snapshot
	has    bool
}

func (f *fakeController) TogglePause() bool {
	f.paused = !f.paused
	return f.paused
}

func (f *fakeController) Session() (transfer.Snapshot, bool) {
	return f.snap, f.has
}

func TestConsoleTogglesAndAborts(t *testing.T) {
	ctl := &fakeController{
		has: true,
		snap: transfer.Snapshot{
			ID:               "0123456789abcdef",
			State:            transfer.SENDING,
			TotalBytes:       2048,
			BytesTransferred: 1024,
			Attempts:         1,
		},
	}
	aborted := false
	var out bytes.Buffer
	in := strings.NewReader("p\nstatus\n\nbogus\np\nq\np\n")

	consoleLoop(context.Background(), in, &out, ctl, func() { aborted = true })

	if !aborted {
		t.Fatal("q did not abort")
	}
	// Input after q is ignored, so the gate ends resumed.
	if ctl.paused {
		t.Error("controller left paused")
	}
	got := out.String()
	for _, want := range []string{"paused", "resumed", "01234567 sending 50.0%", "Unknown command", "aborting"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestConsoleStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctl := &fakeController{}
	consoleLoop(ctx, strings.NewReader("p\n"), &bytes.Buffer{}, ctl, func() {})
	if ctl.paused {
		t.Error("command ran after cancellation")
	}
}

func TestStatusWithoutSession(t *testing.T) {
	var out bytes.Buffer
	processCommand(&out, "s", &fakeController{}, func() {})
	if !strings.Contains(out.String(), "no session yet") {
		t.Errorf("output = %q", out.String())
	}
}

func TestResolvePeerLiteralAddresses(t *testing.T) {
	cfg = config.Default()
	cfg.ListenPort = 6001

	cases := map[string]string{
		"10.0.0.5:7000": "10.0.0.5:7000",
		"10.0.0.5":      "10.0.0.5:6001",
		"[::1]:7000":    "[::1]:7000",
	}
	for in, want := range cases {
		got, err := resolvePeer(context.Background(), in)
		if err != nil || got != want {
			t.Errorf("resolvePeer(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:                "0 B",
		1023:             "1023 B",
		1024:             "1.0 KiB",
		10 * 1024 * 1024: "10.0 MiB",
		3 << 30:          "3.0 GiB",
	}
	for n, want := range cases {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestRenderPeers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	out := renderPeers([]store.Peer{
		{Name: "studio", IP: "10.0.0.7", Port: 5000, Source: store.SourceBeacon, LastSeen: now.Add(-time.Second)},
		{Name: "a-very-long-machine-name-indeed", IP: "10.0.0.8", Port: 5001, Source: store.SourceMDNS, LastSeen: now},
	}, now)

	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	for _, want := range []string{"NAME", "studio", "10.0.0.7:5000", "1s ago", "10.0.0.8:5001"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "a-very-long-machine-name-indeed") {
		t.Error("long name not truncated")
	}
}
