package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"lanshare/internal/discovery"
	"lanshare/internal/store"
)

var listenFor time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List receivers announcing themselves on the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), listenFor)
		defer cancel()

		dc := cfg.DiscoveryConfig()
		dc.ListenOnly = true
		disc := discovery.NewService(dc, discovery.WithLogger(logger))
		if err := disc.Run(ctx); err != nil {
			return err
		}
		peers := disc.Peers()
		if len(peers) == 0 {
			fmt.Println(dimStyle.Render(fmt.Sprintf("no peers seen in %s", listenFor)))
			return nil
		}
		fmt.Println(renderPeers(peers, time.Now()))
		return nil
	},
}

const (
	colName   = 24
	colAddr   = 22
	colSource = 8
	colSeen   = 10
)

func renderPeers(peers []store.Peer, now time.Time) string {
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		headerCellStyle.Width(colName).Render("NAME"),
		headerCellStyle.Width(colAddr).Render("ADDRESS"),
		headerCellStyle.Width(colSource).Render("SOURCE"),
		headerCellStyle.Width(colSeen).Render("SEEN"),
	)

	rows := []string{header}
	for _, p := range peers {
		age := now.Sub(p.LastSeen).Round(100 * time.Millisecond)
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			rowStyle.Width(colName).Render(truncate(p.Name, colName-1)),
			rowStyle.Width(colAddr).Render(p.Addr()),
			rowStyle.Width(colSource).Render(string(p.Source)),
			dimStyle.Width(colSeen).Render(age.String()+" ago"),
		))
	}
	return strings.Join(rows, "\n")
}

func init() {
	peersCmd.Flags().DurationVarP(&listenFor, "listen", "l", 3*time.Second, "how long to listen for announcements")
	rootCmd.AddCommand(peersCmd)
}
