package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanshare/internal/discovery"
	"lanshare/internal/protocol"
	"lanshare/internal/transfer"
	"lanshare/internal/transport"
)

var (
	variantName  string
	resumeLocal  bool
	discoverWait time.Duration
	interactive  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <peer> <path>...",
	Short: "Send files or a folder to a peer",
	Long: `Send one file, several files or one folder. <peer> is host, host:port
or the machine name a receiver announces. While sending, type p to pause or
resume, s for status and q to abort.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr, err := resolvePeer(ctx, args[0])
		if err != nil {
			return err
		}
		return runSend(ctx, addr, args[1:])
	},
}

// resolvePeer turns host, host:port or an announced machine name into a
// dialable address.
func resolvePeer(ctx context.Context, target string) (string, error) {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	if net.ParseIP(target) != nil {
		return net.JoinHostPort(target, strconv.Itoa(cfg.ListenPort)), nil
	}

	fmt.Printf("looking for %q on the network...\n", target)
	dc := cfg.DiscoveryConfig()
	dc.ListenOnly = true
	disc := discovery.NewService(dc, discovery.WithLogger(logger))
	ctx, cancel := context.WithTimeout(ctx, discoverWait)
	defer cancel()
	go func() {
		if err := disc.Run(ctx); err != nil {
			logger.Warn("discovery unavailable", zap.Error(err))
		}
	}()
	defer disc.Close()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if p, ok := disc.Table().FindByName(target); ok {
			return p.Addr(), nil
		}
		select {
		case <-ctx.Done():
			// Not announced; fall back to treating it as a hostname.
			return net.JoinHostPort(target, strconv.Itoa(cfg.ListenPort)), nil
		case <-tick.C:
		}
	}
}

func runSend(ctx context.Context, addr string, paths []string) error {
	name := variantName
	if name == "" {
		name = cfg.Variant
	}
	variant, err := protocol.ParseVariant(name)
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(cfg.Transport, cfg.Timeouts.Connect)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	client := transfer.NewClient(addr,
		transfer.WithVariant(variant),
		transfer.WithRetryPolicy(cfg.RetryPolicy()),
		transfer.WithChunkSize(cfg.ChunkSize),
		transfer.WithTimeouts(cfg.TransferTimeouts()),
		transfer.WithDialer(dialer),
		transfer.WithResumeExisting(resumeLocal),
		transfer.WithLogger(logger),
		transfer.WithProgress(func(done, total int64, file string) {
			if bar == nil {
				bar = newProgressBar(total)
			}
			bar.Describe(file)
			_ = bar.Set64(done)
		}),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if interactive {
		go Console(ctx, os.Stdin, client, cancel)
	}

	fmt.Printf("sending to %s over %s\n", addr, cfg.Transport)
	var comp transfer.Completion
	switch {
	case len(paths) > 1:
		comp, err = client.SendMultipleFiles(ctx, paths)
	case isDir(paths[0]):
		comp, err = client.SendDirectory(ctx, paths[0])
	default:
		comp, err = client.SendSingleFile(ctx, paths[0])
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	printCompletion(comp)
	return err
}

func newProgressBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
	)
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&variantName, "variant", "", "wire variant: legacy, multi or resumable")
	f.BoolVar(&resumeLocal, "resume", true, "continue from partial files the receiver already holds")
	f.DurationVar(&discoverWait, "wait", 3*time.Second, "how long to look for a peer given by name")
	f.BoolVarP(&interactive, "interactive", "i", true, "read pause/resume commands from stdin")
	rootCmd.AddCommand(sendCmd)
}
