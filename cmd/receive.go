package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanshare/internal/discovery"
	"lanshare/internal/transfer"
	"lanshare/internal/transport"
)

var noDiscovery bool

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Accept incoming transfers and announce this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runReceiver(ctx)
	},
}

func runReceiver(ctx context.Context) error {
	removed, err := transfer.CleanupPartials(cfg.OutputRoot, cfg.PartialCleanupAge)
	if err != nil {
		logger.Warn("partial cleanup failed", zap.Error(err))
	}
	for _, p := range removed {
		logger.Info("removed stale partial", zap.String("path", p))
	}

	ln, err := transport.Listen(cfg.Transport, net.JoinHostPort("", strconv.Itoa(cfg.ListenPort)))
	if err != nil {
		return err
	}

	srv := transfer.NewServer(cfg.OutputRoot,
		transfer.WithServerLogger(logger),
		transfer.WithIOTimeout(cfg.Timeouts.IO),
		transfer.WithServerChunkSize(cfg.ChunkSize),
		transfer.WithServerProgress(func(done, total int64, file string) {
			fmt.Printf("  %s  %s / %s\n", file, humanBytes(done), humanBytes(total))
		}),
		transfer.WithServerCompletion(printCompletion),
	)

	fmt.Printf("%s receiving on %s (%s), saving to %s\n",
		titleStyle.Render(cfg.MachineName), ln.Addr(), cfg.Transport, cfg.OutputRoot)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx, ln) })
	if !noDiscovery {
		disc := discovery.NewService(cfg.DiscoveryConfig(), discovery.WithLogger(logger))
		g.Go(func() error { return disc.Run(ctx) })
	}
	return g.Wait()
}

func printCompletion(c transfer.Completion) {
	if c.Success {
		fmt.Println(okStyle.Render("done"), c.String())
		return
	}
	fmt.Println(errorStyle.Render("failed"), c.String())
}

func init() {
	receiveCmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "accept transfers without announcing this machine")
	rootCmd.AddCommand(receiveCmd)
}
