package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanshare/internal/config"
	"lanshare/internal/logging"
)

var (
	// Global flags
	cfgFile       string
	machineName   string
	listenPort    int
	outputRoot    string
	transportKind string
	logLevel      string
	ipFilter      string
	useMDNS       bool
	broadcastOnly bool

	// Set during PersistentPreRunE
	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "lanshare",
	Short: "Send files and folders to machines on the local network",
	Long: `lanshare moves files between machines on the same LAN. Receivers
announce themselves over UDP multicast and broadcast; senders pick a
receiver by address or by machine name. Interrupted transfers pick up where
they stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		flags := cmd.Flags()
		if machineName != "" {
			cfg.MachineName = machineName
		}
		if flags.Changed("port") {
			cfg.ListenPort = listenPort
		}
		if outputRoot != "" {
			cfg.OutputRoot = outputRoot
		}
		if transportKind != "" {
			cfg.Transport = transportKind
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if ipFilter != "" {
			cfg.Discovery.IPFilter = ipFilter
		}
		if flags.Changed("mdns") {
			cfg.Discovery.MDNS = useMDNS
		}
		if flags.Changed("broadcast-only") {
			cfg.Discovery.BroadcastOnly = broadcastOnly
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ~/.lanshare/config.yaml)")
	pf.StringVar(&machineName, "name", "", "machine name announced to peers (default is the hostname)")
	pf.IntVarP(&listenPort, "port", "p", 5000, "transfer port to listen on or dial")
	pf.StringVarP(&outputRoot, "output", "o", "", "directory received files are written under")
	pf.StringVar(&transportKind, "transport", "", "stream transport: tcp or quic")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&ipFilter, "ip-filter", "", "only track peers whose address starts with this prefix")
	pf.BoolVar(&useMDNS, "mdns", false, "also advertise and browse over mDNS")
	pf.BoolVar(&broadcastOnly, "broadcast-only", false, "skip multicast and announce by broadcast only")
}
